package schemas

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "IDLE"
	StatusRunning   SessionStatus = "RUNNING"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusStopped   SessionStatus = "STOPPED"
	StatusFailed    SessionStatus = "FAILED"
)

// IsTerminal reports whether the status ends a session.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// Session is one bounded run of the agent loop toward a goal.
type Session struct {
	ID              string        `json:"id"`
	GoalIdentifier  string        `json:"goal_identifier"`
	GoalDescription string        `json:"goal_description,omitempty"`
	StepCount       int           `json:"step_count"`
	StepBudget      int           `json:"step_budget"`
	Results         []Result      `json:"results"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

// Goal returns the session's search goal.
func (s Session) Goal() Goal {
	return Goal{Identifier: s.GoalIdentifier, Description: s.GoalDescription}
}

// Clone returns a copy that shares no mutable state with s.
func (s Session) Clone() Session {
	out := s
	out.Results = make([]Result, len(s.Results))
	for i, r := range s.Results {
		out.Results[i] = r.Clone()
	}
	return out
}

// Result is a found item. Order of discovery is preserved and duplicates are kept.
type Result struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of the result.
func (r Result) Clone() Result {
	out := Result{Name: r.Name}
	if r.Attributes != nil {
		out.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// StepOutcome is how a single step's action ended.
type StepOutcome string

const (
	OutcomeSucceeded StepOutcome = "SUCCEEDED"
	OutcomeFailed    StepOutcome = "FAILED"
	OutcomeSkipped   StepOutcome = "SKIPPED"
)

// StepRecord is an append-only audit entry for one step.
type StepRecord struct {
	SessionID string      `json:"session_id"`
	StepIndex int         `json:"step_index"`
	Action    *Action     `json:"action,omitempty"`
	Outcome   StepOutcome `json:"outcome"`
	Reason    string      `json:"reason,omitempty"`
	At        time.Time   `json:"at"`
}

// CompletionReport is published when a session terminates.
type CompletionReport struct {
	SessionID  string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	Reason     string        `json:"reason"`
	Results    []Result      `json:"results"`
	StepCount  int           `json:"step_count"`
	DurationMs int64         `json:"duration_ms"`
}

// LogEntry is a user-facing progress message.
type LogEntry struct {
	SessionID string    `json:"session_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}
