// Package control serves the session controller over HTTP: start, stop and
// status endpoints plus a WebSocket stream of log lines and completion
// reports.
package control

import (
	"context"

	"github.com/xkilldash9x/partscout/api/schemas"
)

// Controller is the part of the orchestrator the server drives.
type Controller interface {
	Start(ctx context.Context, goal schemas.Goal) (schemas.Session, error)
	Stop(ctx context.Context) error
	Status() schemas.Session
}

// LogReader returns the newest log entries, oldest first.
type LogReader interface {
	RecentLogs(ctx context.Context, n int) ([]schemas.LogEntry, error)
}

// StartRequest is the body of POST /api/v1/session.
type StartRequest struct {
	Identifier  string `json:"goal_identifier"`
	Description string `json:"goal_description,omitempty"`
	StepBudget  int    `json:"step_budget,omitempty"`
}

// Response wraps every JSON reply.
type Response struct {
	Status string      `json:"status"` // "success", "error", "accepted"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
	Code   string      `json:"code,omitempty"`
}

// MessageType names an event on the WebSocket stream.
type MessageType string

const (
	MsgTypeStatus   MessageType = "StatusUpdate"
	MsgTypeLog      MessageType = "Log"
	MsgTypeComplete MessageType = "Complete"
)

// WSMessage is one frame on the event stream.
type WSMessage struct {
	Type MessageType `json:"type"`
	Data interface{} `json:"data,omitempty"`
	// Timestamp is RFC3339 in UTC.
	Timestamp string `json:"timestamp"`
}
