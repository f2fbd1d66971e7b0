package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS partscout_sessions (
    id               TEXT PRIMARY KEY,
    goal_identifier  TEXT NOT NULL,
    goal_description TEXT NOT NULL DEFAULT '',
    step_count       INTEGER NOT NULL,
    step_budget      INTEGER NOT NULL,
    results          JSONB NOT NULL DEFAULT '[]',
    status           TEXT NOT NULL,
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ,
    reason           TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS partscout_controller_state (
    id         INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    session_id TEXT NOT NULL,
    active     BOOLEAN NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS partscout_log (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL DEFAULT '',
    level      TEXT NOT NULL,
    message    TEXT NOT NULL,
    at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS partscout_steps (
    session_id TEXT NOT NULL,
    step_index INTEGER NOT NULL,
    action     JSONB,
    outcome    TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    at         TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, step_index)
);`

const (
	sqlUpsertSession = `
        INSERT INTO partscout_sessions (id, goal_identifier, goal_description, step_count, step_budget, results, status, started_at, ended_at, reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            step_count = EXCLUDED.step_count,
            results = EXCLUDED.results,
            status = EXCLUDED.status,
            ended_at = EXCLUDED.ended_at,
            reason = EXCLUDED.reason;`
	sqlSelectSession = `
        SELECT id, goal_identifier, goal_description, step_count, step_budget, results, status, started_at, ended_at, reason
        FROM partscout_sessions WHERE id = $1;`
	sqlUpsertState = `
        INSERT INTO partscout_controller_state (id, session_id, active, updated_at)
        VALUES (1, $1, $2, $3)
        ON CONFLICT (id) DO UPDATE SET
            session_id = EXCLUDED.session_id,
            active = EXCLUDED.active,
            updated_at = EXCLUDED.updated_at;`
	sqlSelectState = `SELECT session_id, active FROM partscout_controller_state WHERE id = 1;`
	sqlInsertLog   = `INSERT INTO partscout_log (session_id, level, message, at) VALUES ($1, $2, $3, $4);`
	sqlCapLog      = `
        DELETE FROM partscout_log
        WHERE id NOT IN (SELECT id FROM partscout_log ORDER BY id DESC LIMIT $1);`
	sqlRecentLogs = `
        SELECT session_id, level, message, at
        FROM partscout_log ORDER BY id DESC LIMIT $1;`
	sqlInsertStep = `
        INSERT INTO partscout_steps (session_id, step_index, action, outcome, reason, at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (session_id, step_index) DO NOTHING;`
	sqlSelectSteps = `
        SELECT step_index, action, outcome, reason, at
        FROM partscout_steps WHERE session_id = $1 ORDER BY step_index ASC;`
)

// Postgres is a StateStore backed by PostgreSQL.
type Postgres struct {
	pool        DBPool
	log         *zap.Logger
	logCapacity int
}

var _ StateStore = (*Postgres)(nil)

// NewPostgres verifies the connection and creates the tables if needed.
func NewPostgres(ctx context.Context, pool DBPool, logCapacity int, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logCapacity <= 0 {
		logCapacity = DefaultLogCapacity
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Postgres{pool: pool, log: logger.Named("store"), logCapacity: logCapacity}, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func (p *Postgres) SaveSession(ctx context.Context, s schemas.Session) error {
	results := s.Results
	if results == nil {
		results = []schemas.Result{}
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	_, err = p.pool.Exec(ctx, sqlUpsertSession,
		s.ID, s.GoalIdentifier, s.GoalDescription, s.StepCount, s.StepBudget,
		raw, string(s.Status), s.StartedAt.UTC(), nullableTime(s.EndedAt), s.Reason)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) LoadSession(ctx context.Context, id string) (schemas.Session, error) {
	var (
		s       schemas.Session
		status  string
		raw     []byte
		endedAt *time.Time
	)
	err := p.pool.QueryRow(ctx, sqlSelectSession, id).Scan(
		&s.ID, &s.GoalIdentifier, &s.GoalDescription, &s.StepCount, &s.StepBudget,
		&raw, &status, &s.StartedAt, &endedAt, &s.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.Session{}, ErrNotFound
	}
	if err != nil {
		return schemas.Session{}, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.Results); err != nil {
			return schemas.Session{}, fmt.Errorf("failed to decode results of %s: %w", id, err)
		}
	}
	s.Status = schemas.SessionStatus(status)
	if endedAt != nil {
		s.EndedAt = *endedAt
	}
	return s, nil
}

func (p *Postgres) SetActive(ctx context.Context, sessionID string, active bool) error {
	if _, err := p.pool.Exec(ctx, sqlUpsertState, sessionID, active, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record controller state: %w", err)
	}
	return nil
}

func (p *Postgres) ActiveSession(ctx context.Context) (string, bool, error) {
	var (
		id     string
		active bool
	)
	err := p.pool.QueryRow(ctx, sqlSelectState).Scan(&id, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read controller state: %w", err)
	}
	return id, active, nil
}

// AppendLog inserts the entry and trims the table to the newest entries in
// one transaction.
func (p *Postgres) AppendLog(ctx context.Context, e schemas.LogEntry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			p.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlInsertLog, e.SessionID, e.Level, e.Message, e.At.UTC()); err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlCapLog, p.logCapacity); err != nil {
		return fmt.Errorf("failed to trim log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) RecentLogs(ctx context.Context, n int) ([]schemas.LogEntry, error) {
	if n <= 0 || n > p.logCapacity {
		n = p.logCapacity
	}
	rows, err := p.pool.Query(ctx, sqlRecentLogs, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query log: %w", err)
	}
	defer rows.Close()

	var newestFirst []schemas.LogEntry
	for rows.Next() {
		var e schemas.LogEntry
		if err := rows.Scan(&e.SessionID, &e.Level, &e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		newestFirst = append(newestFirst, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	out := make([]schemas.LogEntry, len(newestFirst))
	for i, e := range newestFirst {
		out[len(out)-1-i] = e
	}
	return out, nil
}

func (p *Postgres) RecordStep(ctx context.Context, r schemas.StepRecord) error {
	var action []byte
	if r.Action != nil {
		var err error
		if action, err = json.Marshal(r.Action); err != nil {
			return fmt.Errorf("failed to encode action: %w", err)
		}
	}
	_, err := p.pool.Exec(ctx, sqlInsertStep, r.SessionID, r.StepIndex, action, string(r.Outcome), r.Reason, r.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record step %d of %s: %w", r.StepIndex, r.SessionID, err)
	}
	return nil
}

func (p *Postgres) Steps(ctx context.Context, sessionID string) ([]schemas.StepRecord, error) {
	rows, err := p.pool.Query(ctx, sqlSelectSteps, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []schemas.StepRecord
	for rows.Next() {
		r := schemas.StepRecord{SessionID: sessionID}
		var (
			action  []byte
			outcome string
		)
		if err := rows.Scan(&r.StepIndex, &action, &outcome, &r.Reason, &r.At); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		if len(action) > 0 {
			r.Action = new(schemas.Action)
			if err := json.Unmarshal(action, r.Action); err != nil {
				return nil, fmt.Errorf("failed to decode action: %w", err)
			}
		}
		r.Outcome = schemas.StepOutcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
