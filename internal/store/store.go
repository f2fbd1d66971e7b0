// Package store persists session state, the controller's active flag, the
// step audit trail and the user-facing log buffer.
package store

import (
	"context"
	"errors"

	"github.com/xkilldash9x/partscout/api/schemas"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// DefaultLogCapacity bounds the log buffer when no capacity is configured.
const DefaultLogCapacity = 200

// StateStore is the persistence boundary of the controller.
type StateStore interface {
	// SaveSession inserts or replaces a session.
	SaveSession(ctx context.Context, s schemas.Session) error
	LoadSession(ctx context.Context, id string) (schemas.Session, error)
	// SetActive records which session the controller is running and whether
	// it is still running.
	SetActive(ctx context.Context, sessionID string, active bool) error
	// ActiveSession returns the last recorded session ID and flag. An empty
	// ID means nothing was ever recorded.
	ActiveSession(ctx context.Context) (string, bool, error)
	// AppendLog adds an entry, evicting the oldest beyond the capacity.
	AppendLog(ctx context.Context, e schemas.LogEntry) error
	// RecentLogs returns up to n of the newest entries, oldest first.
	RecentLogs(ctx context.Context, n int) ([]schemas.LogEntry, error)
	// RecordStep appends a step record. Recording the same step twice keeps
	// the first record.
	RecordStep(ctx context.Context, r schemas.StepRecord) error
	Steps(ctx context.Context, sessionID string) ([]schemas.StepRecord, error)
	Close() error
}
