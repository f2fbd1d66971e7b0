package bus

import "github.com/xkilldash9x/partscout/api/schemas"

// Kind identifies the payload type of an Envelope.
type Kind string

// Commands, sent by the controller as requests.
const (
	KindStart         Kind = "start"
	KindCapture       Kind = "capture"
	KindExecuteAction Kind = "executeAction"
	KindStop          Kind = "stop"
)

// Events.
const (
	KindStructureCaptured Kind = "structureCaptured"
	KindActionCompleted   Kind = "actionCompleted"
	KindMutation          Kind = "mutation"
	KindComplete          Kind = "complete"
	KindLog               Kind = "log"
	KindReply             Kind = "reply"
)

// Start asks the mediator to begin observing for a session and to follow up
// with a first capture tagged CaptureToken.
type Start struct {
	Goal         schemas.Goal
	CaptureToken string
}

// Capture asks for a structure capture identified by Token.
type Capture struct {
	Token string
}

// StructureCaptured carries the capture for Token, or the reason it failed.
type StructureCaptured struct {
	Token   string
	Capture schemas.PageCapture
	Error   string
}

// ExecuteAction asks the mediator to perform the step's action. The step
// index travels in the envelope.
type ExecuteAction struct {
	Action schemas.Action
}

// ActionCompleted reports the outcome of an ExecuteAction.
type ActionCompleted struct {
	Action    schemas.Action
	Succeeded bool
	// Code and Error describe a failure.
	Code  string
	Error string
}

// Mutation signals that the document changed in a way that matters.
type Mutation struct {
	Batches int
}

// Stop asks the mediator to stop observing.
type Stop struct {
	Reason string
}

// Ack is the reply payload to every command.
type Ack struct {
	Accepted bool
	Error    string
}

// Complete is broadcast when a session ends.
type Complete = schemas.CompletionReport

// Log is broadcast for user-facing log lines.
type Log = schemas.LogEntry
