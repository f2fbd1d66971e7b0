// Package executor performs single actions against a dom.Document, simulating
// the input events a person would produce.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/browser/dom"
	"github.com/xkilldash9x/partscout/internal/config"
)

// SubmitControlSelector locates the control clicked after a FillForm.
const SubmitControlSelector = `input[type="submit"], button[type="submit"]`

// ActionExecutionError reports why an action could not be performed.
type ActionExecutionError struct {
	Kind   schemas.ActionKind
	Target string
	Reason string
	Err    error
}

func (e *ActionExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s on %q failed: %s: %v", e.Kind, e.Target, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s on %q failed: %s", e.Kind, e.Target, e.Reason)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// Timing controls the cadence of simulated input.
type Timing struct {
	TypingDelay       time.Duration
	FieldDelay        time.Duration
	SubmitDelay       time.Duration
	ScrollSettle      time.Duration
	HighlightDuration time.Duration
}

// TimingFromConfig maps the interaction configuration onto Timing.
func TimingFromConfig(c config.InteractionConfig) Timing {
	return Timing{
		TypingDelay:       c.TypingDelay,
		FieldDelay:        c.FieldDelay,
		SubmitDelay:       c.SubmitDelay,
		ScrollSettle:      c.ScrollSettle,
		HighlightDuration: c.HighlightDuration,
	}
}

// ActionHandler performs one kind of action.
type ActionHandler func(ctx context.Context, doc dom.Document, action schemas.Action) error

// Executor dispatches actions to per-kind handlers.
type Executor struct {
	logger   *zap.Logger
	resolver *dom.Resolver
	timing   Timing
	handlers map[schemas.ActionKind]ActionHandler

	mu      sync.Mutex
	unmarks map[*time.Timer]struct{}
	closed  bool
}

// New creates an Executor.
func New(logger *zap.Logger, resolver *dom.Resolver, timing Timing) *Executor {
	e := &Executor{
		logger:   logger.Named("executor"),
		resolver: resolver,
		timing:   timing,
		handlers: make(map[schemas.ActionKind]ActionHandler),
		unmarks:  make(map[*time.Timer]struct{}),
	}
	e.registerHandlers()
	return e
}

func (e *Executor) registerHandlers() {
	e.handlers[schemas.ActionClick] = e.executeClick
	e.handlers[schemas.ActionFillInput] = e.executeFillInput
	e.handlers[schemas.ActionFillForm] = e.executeFillForm
	e.handlers[schemas.ActionSelectOption] = e.executeSelectOption
	e.handlers[schemas.ActionSubmit] = e.executeSubmit
}

// Execute performs the action. Every failure is an *ActionExecutionError.
func (e *Executor) Execute(ctx context.Context, doc dom.Document, action schemas.Action) error {
	if err := action.Validate(); err != nil {
		return &ActionExecutionError{Kind: action.Kind, Target: action.Target, Reason: "invalid action", Err: err}
	}
	handler, ok := e.handlers[action.Kind]
	if !ok {
		return &ActionExecutionError{Kind: action.Kind, Target: action.Target, Reason: "no handler registered"}
	}

	e.logger.Debug("Executing action.", zap.Stringer("action", action))
	if err := handler(ctx, doc, action); err != nil {
		var execErr *ActionExecutionError
		if errors.As(err, &execErr) {
			return execErr
		}
		return &ActionExecutionError{Kind: action.Kind, Target: action.Target, Reason: "execution failed", Err: err}
	}
	return nil
}

// Close cancels pending highlight removals.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for t := range e.unmarks {
		t.Stop()
	}
	e.unmarks = make(map[*time.Timer]struct{})
}

// prepare resolves a target, highlights it and scrolls it into view.
func (e *Executor) prepare(ctx context.Context, doc dom.Document, kind schemas.ActionKind, target string) (dom.Element, error) {
	el, rule, err := e.resolver.Resolve(ctx, doc, target)
	if err != nil {
		return nil, &ActionExecutionError{Kind: kind, Target: target, Reason: "target not resolved", Err: err}
	}
	e.logger.Debug("Target resolved.", zap.String("target", target), zap.Stringer("rule", rule), zap.String("tag", el.Tag()))

	if err := el.Mark(ctx); err != nil {
		e.logger.Debug("Could not highlight element.", zap.Error(err))
	} else {
		e.scheduleUnmark(el)
	}
	if err := el.ScrollIntoView(ctx); err != nil {
		e.logger.Debug("Could not scroll element into view.", zap.Error(err))
	}
	if err := sleep(ctx, e.timing.ScrollSettle); err != nil {
		return nil, &ActionExecutionError{Kind: kind, Target: target, Reason: "interrupted", Err: err}
	}
	return el, nil
}

func (e *Executor) scheduleUnmark(el dom.Element) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(e.timing.HighlightDuration, func() {
		e.mu.Lock()
		delete(e.unmarks, t)
		e.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := el.Unmark(ctx); err != nil {
			e.logger.Debug("Could not clear highlight.", zap.Error(err))
		}
	})
	e.unmarks[t] = struct{}{}
}

func (e *Executor) executeClick(ctx context.Context, doc dom.Document, a schemas.Action) error {
	el, err := e.prepare(ctx, doc, a.Kind, a.Target)
	if err != nil {
		return err
	}
	if err := el.Click(ctx); err != nil {
		return &ActionExecutionError{Kind: a.Kind, Target: a.Target, Reason: "click failed", Err: err}
	}
	return nil
}

func (e *Executor) executeFillInput(ctx context.Context, doc dom.Document, a schemas.Action) error {
	el, err := e.prepare(ctx, doc, a.Kind, a.Target)
	if err != nil {
		return err
	}
	if err := e.typeInto(ctx, el, a.Value); err != nil {
		return &ActionExecutionError{Kind: a.Kind, Target: a.Target, Reason: "typing failed", Err: err}
	}
	return nil
}

// executeFillForm fills the primary and optional secondary field, then clicks
// the form's submit control unless AutoSubmit is off.
func (e *Executor) executeFillForm(ctx context.Context, doc dom.Document, a schemas.Action) error {
	if a.Target != "" && a.Value != "" {
		el, err := e.prepare(ctx, doc, a.Kind, a.Target)
		if err != nil {
			return err
		}
		if err := e.typeInto(ctx, el, a.Value); err != nil {
			return &ActionExecutionError{Kind: a.Kind, Target: a.Target, Reason: "typing failed", Err: err}
		}
	}

	if a.NextTarget != "" && a.NextValue != "" {
		if err := sleep(ctx, e.timing.FieldDelay); err != nil {
			return &ActionExecutionError{Kind: a.Kind, Target: a.NextTarget, Reason: "interrupted", Err: err}
		}
		el, err := e.prepare(ctx, doc, a.Kind, a.NextTarget)
		if err != nil {
			return err
		}
		if err := e.typeInto(ctx, el, a.NextValue); err != nil {
			return &ActionExecutionError{Kind: a.Kind, Target: a.NextTarget, Reason: "typing failed", Err: err}
		}
	}

	if !a.AutoSubmit {
		return nil
	}
	if err := sleep(ctx, e.timing.SubmitDelay); err != nil {
		return &ActionExecutionError{Kind: a.Kind, Target: SubmitControlSelector, Reason: "interrupted", Err: err}
	}
	btn, err := doc.QuerySelector(ctx, SubmitControlSelector)
	if err != nil {
		return &ActionExecutionError{Kind: a.Kind, Target: SubmitControlSelector, Reason: "submit lookup failed", Err: err}
	}
	if btn == nil {
		e.logger.Info("Form filled but no submit control was found.")
		return nil
	}
	if err := btn.Click(ctx); err != nil {
		return &ActionExecutionError{Kind: a.Kind, Target: SubmitControlSelector, Reason: "submit click failed", Err: err}
	}
	return nil
}

func (e *Executor) executeSelectOption(ctx context.Context, doc dom.Document, a schemas.Action) error {
	el, err := e.prepare(ctx, doc, a.Kind, a.Target)
	if err != nil {
		return err
	}
	if err := el.SetValue(ctx, a.Value); err != nil {
		return &ActionExecutionError{Kind: a.Kind, Target: a.Target, Reason: "set value failed", Err: err}
	}
	if err := el.Dispatch(ctx, dom.Event{Type: dom.EventChange}); err != nil {
		return &ActionExecutionError{Kind: a.Kind, Target: a.Target, Reason: "change event failed", Err: err}
	}
	return nil
}

func (e *Executor) executeSubmit(ctx context.Context, doc dom.Document, a schemas.Action) error {
	el, err := e.prepare(ctx, doc, a.Kind, a.Target)
	if err != nil {
		return err
	}
	if err := el.Submit(ctx); err != nil {
		return &ActionExecutionError{Kind: a.Kind, Target: a.Target, Reason: "submit failed", Err: err}
	}
	return nil
}

// typeInto clears the field and types value one rune at a time. Each rune is
// followed by input and keyup events and a short pause; one change event
// closes the sequence. Pages that only react to incremental events rely on it.
func (e *Executor) typeInto(ctx context.Context, el dom.Element, value string) error {
	if err := el.SetValue(ctx, ""); err != nil {
		return err
	}
	if err := el.Focus(ctx); err != nil {
		return err
	}
	typed := make([]rune, 0, len(value))
	for _, r := range value {
		typed = append(typed, r)
		if err := el.SetValue(ctx, string(typed)); err != nil {
			return err
		}
		if err := el.Dispatch(ctx, dom.Event{Type: dom.EventInput}); err != nil {
			return err
		}
		if err := el.Dispatch(ctx, dom.Event{Type: dom.EventKeyUp, Key: string(r)}); err != nil {
			return err
		}
		if err := sleep(ctx, e.timing.TypingDelay); err != nil {
			return err
		}
	}
	return el.Dispatch(ctx, dom.Event{Type: dom.EventChange})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
