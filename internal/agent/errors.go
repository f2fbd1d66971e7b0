package agent

import (
	"errors"
	"fmt"

	"github.com/xkilldash9x/partscout/internal/browser/dom"
	"github.com/xkilldash9x/partscout/internal/browser/executor"
	"github.com/xkilldash9x/partscout/internal/bus"
	"github.com/xkilldash9x/partscout/internal/oracle"
)

// ErrorCode classifies failures for logs and completion reports.
type ErrorCode string

const (
	CodeAlreadyRunning       ErrorCode = "AlreadyRunning"
	CodeTargetNotFound       ErrorCode = "TargetNotFound"
	CodeActionExecutionError ErrorCode = "ActionExecutionError"
	// CodeOracleUnavailable is always recovered by the heuristic and never
	// ends a session.
	CodeOracleUnavailable ErrorCode = "OracleUnavailable"
	// CodeBudgetExhausted marks a normal completion at the step budget.
	CodeBudgetExhausted ErrorCode = "BudgetExhausted"
	CodeChannelFailure  ErrorCode = "ChannelFailure"
	CodeSessionLost     ErrorCode = "SessionLost"
	CodeUnknown         ErrorCode = "Unknown"
)

var (
	// ErrAlreadyRunning rejects a start while a session is running.
	ErrAlreadyRunning = errors.New("a session is already running")
	// ErrNoSession is returned by Wait before any session was started.
	ErrNoSession = errors.New("no session has been started")
)

// Error attaches an ErrorCode to an underlying error.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf classifies err.
func CodeOf(err error) ErrorCode {
	var coded *Error
	var execErr *executor.ActionExecutionError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &coded):
		return coded.Code
	case errors.Is(err, ErrAlreadyRunning):
		return CodeAlreadyRunning
	case errors.Is(err, bus.ErrChannelFailure):
		return CodeChannelFailure
	case errors.Is(err, dom.ErrTargetNotFound):
		return CodeTargetNotFound
	case errors.As(err, &execErr):
		return CodeActionExecutionError
	case errors.Is(err, oracle.ErrUnavailable):
		return CodeOracleUnavailable
	}
	return CodeUnknown
}
