// Package mediator runs next to the page. It answers the controller's
// commands by capturing the document and executing actions, and forwards
// significant document changes.
package mediator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/browser/dom"
	"github.com/xkilldash9x/partscout/internal/browser/executor"
	"github.com/xkilldash9x/partscout/internal/bus"
	"github.com/xkilldash9x/partscout/internal/observer"
)

// Error codes reported in bus.ActionCompleted.
const (
	CodeTargetNotFound       = "TargetNotFound"
	CodeActionExecutionError = "ActionExecutionError"
)

// Page is the document the mediator works on: a live browser tab or a
// static page.
type Page interface {
	// WaitReady blocks until the document has finished loading.
	WaitReady(ctx context.Context) error
	Capture(ctx context.Context) (schemas.PageCapture, error)
	Document() dom.Document
	// OnMutations registers the consumer of added-node batches.
	OnMutations(fn func([]observer.AddedNode))
}

// Options configure the mediator's waits.
type Options struct {
	CaptureSettle    time.Duration
	MutationDebounce time.Duration
}

// Mediator serves one page. Commands are acknowledged as soon as they are
// accepted; the work runs on a single worker in arrival order.
type Mediator struct {
	logger   *zap.Logger
	bus      *bus.Bus
	page     Page
	executor *executor.Executor
	observer *observer.Observer
	opts     Options

	mu         sync.Mutex
	sessionID  string
	sessionCtx context.Context
	cancel     context.CancelFunc
	executed   map[int]bool
	captured   map[string]bool

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Mediator and hooks the page's mutation stream.
func New(logger *zap.Logger, b *bus.Bus, page Page, exec *executor.Executor, opts Options) *Mediator {
	m := &Mediator{
		logger:   logger.Named("mediator"),
		bus:      b,
		page:     page,
		executor: exec,
		opts:     opts,
		ready:    make(chan struct{}),
	}
	m.observer = observer.New(logger, opts.MutationDebounce, m.signalMutation)
	page.OnMutations(m.observer.Observe)
	return m
}

// Ready is closed once Run accepts commands.
func (m *Mediator) Ready() <-chan struct{} {
	return m.ready
}

// Run serves commands until ctx ends or the bus shuts down.
func (m *Mediator) Run(ctx context.Context) error {
	ch, unsubscribe := m.bus.Subscribe(bus.KindStart, bus.KindCapture, bus.KindExecuteAction, bus.KindStop)
	defer unsubscribe()

	tasks := make(chan func(), 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for task := range tasks {
			task()
		}
	}()
	defer func() {
		m.endSession()
		m.observer.Close()
		close(tasks)
		wg.Wait()
	}()

	m.readyOnce.Do(func() { close(m.ready) })
	m.logger.Debug("Mediator running.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			task := m.handle(env)
			m.bus.Acknowledge(env)
			if task == nil {
				continue
			}
			select {
			case tasks <- task:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// handle replies to a command and returns the work it requires, if any.
func (m *Mediator) handle(env bus.Envelope) func() {
	switch env.Kind {
	case bus.KindStart:
		p, ok := env.Payload.(bus.Start)
		if !ok {
			m.reject(env, "malformed start payload")
			return nil
		}
		ctx, fresh := m.beginSession(env.SessionID)
		m.bus.Reply(env, bus.Ack{Accepted: true})
		if !fresh {
			return nil
		}
		m.logger.Info("Session started.", zap.String("session_id", env.SessionID), zap.String("goal", p.Goal.Identifier))
		return func() {
			if err := m.page.WaitReady(ctx); err != nil {
				m.logger.Warn("Document did not become ready.", zap.Error(err))
			}
			m.observer.Activate()
			m.capture(ctx, env.SessionID, p.CaptureToken)
		}

	case bus.KindCapture:
		p, ok := env.Payload.(bus.Capture)
		if !ok {
			m.reject(env, "malformed capture payload")
			return nil
		}
		ctx, dup, err := m.claim(env.SessionID, func() bool {
			if m.captured[p.Token] {
				return true
			}
			m.captured[p.Token] = true
			return false
		})
		if err != nil {
			m.reject(env, err.Error())
			return nil
		}
		m.bus.Reply(env, bus.Ack{Accepted: true})
		if dup {
			return nil
		}
		return func() { m.capture(ctx, env.SessionID, p.Token) }

	case bus.KindExecuteAction:
		p, ok := env.Payload.(bus.ExecuteAction)
		if !ok {
			m.reject(env, "malformed executeAction payload")
			return nil
		}
		ctx, dup, err := m.claim(env.SessionID, func() bool {
			if m.executed[env.Step] {
				return true
			}
			m.executed[env.Step] = true
			return false
		})
		if err != nil {
			m.reject(env, err.Error())
			return nil
		}
		m.bus.Reply(env, bus.Ack{Accepted: true})
		if dup {
			m.logger.Debug("Ignoring duplicate action.", zap.Int("step", env.Step))
			return nil
		}
		return func() { m.execute(ctx, env.SessionID, env.Step, p.Action) }

	case bus.KindStop:
		// A stop for an older session must not end the current one.
		if m.endSessionIf(env.SessionID) {
			m.logger.Info("Session stopped.", zap.String("session_id", env.SessionID))
		} else {
			m.logger.Debug("Ignoring stop for a session that is not current.", zap.String("session_id", env.SessionID))
		}
		m.bus.Reply(env, bus.Ack{Accepted: true})
		return nil
	}
	return nil
}

func (m *Mediator) reject(env bus.Envelope, reason string) {
	m.logger.Warn("Rejecting command.", zap.String("kind", string(env.Kind)), zap.String("reason", reason))
	m.bus.Reply(env, bus.Ack{Error: reason})
}

// beginSession makes id the current session. A repeated start for the
// current session is not fresh.
func (m *Mediator) beginSession(id string) (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == id && m.sessionCtx != nil {
		return m.sessionCtx, false
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.sessionID = id
	m.sessionCtx, m.cancel = context.WithCancel(context.Background())
	m.executed = make(map[int]bool)
	m.captured = make(map[string]bool)
	return m.sessionCtx, true
}

var errUnknownSession = errors.New("no such session")

// claim checks that id is the current session and runs seen under the lock.
func (m *Mediator) claim(id string, seen func() bool) (context.Context, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == "" || m.sessionID != id {
		return nil, false, errUnknownSession
	}
	return m.sessionCtx, seen(), nil
}

func (m *Mediator) endSession() {
	m.endSessionIf("")
}

// endSessionIf ends the current session when id names it. An empty id ends
// whatever session is current.
func (m *Mediator) endSessionIf(id string) bool {
	m.mu.Lock()
	if id != "" && m.sessionID != id {
		m.mu.Unlock()
		return false
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.sessionID = ""
	m.sessionCtx, m.cancel = nil, nil
	m.mu.Unlock()
	m.observer.Deactivate()
	return true
}

func (m *Mediator) currentSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

func (m *Mediator) capture(ctx context.Context, sessionID, token string) {
	timer := time.NewTimer(m.opts.CaptureSettle)
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	result := bus.StructureCaptured{Token: token}
	pc, err := m.page.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("Capture failed.", zap.Error(err))
		result.Error = err.Error()
	} else {
		result.Capture = pc
	}
	m.post(ctx, bus.Envelope{Kind: bus.KindStructureCaptured, SessionID: sessionID, Payload: result})
}

func (m *Mediator) execute(ctx context.Context, sessionID string, step int, action schemas.Action) {
	result := bus.ActionCompleted{Action: action, Succeeded: true}
	if err := m.executor.Execute(ctx, m.page.Document(), action); err != nil {
		if ctx.Err() != nil {
			return
		}
		result.Succeeded = false
		result.Error = err.Error()
		result.Code = CodeActionExecutionError
		if errors.Is(err, dom.ErrTargetNotFound) {
			result.Code = CodeTargetNotFound
		}
		m.logger.Warn("Action failed.", zap.Int("step", step), zap.String("code", result.Code), zap.Error(err))
	}
	m.post(ctx, bus.Envelope{Kind: bus.KindActionCompleted, SessionID: sessionID, Step: step, Payload: result})
}

func (m *Mediator) post(ctx context.Context, env bus.Envelope) {
	if err := m.bus.Post(ctx, env); err != nil && ctx.Err() == nil {
		m.logger.Warn("Could not post event.", zap.String("kind", string(env.Kind)), zap.Error(err))
	}
}

func (m *Mediator) signalMutation(batches int) {
	id := m.currentSession()
	if id == "" {
		return
	}
	m.bus.Broadcast(bus.Envelope{Kind: bus.KindMutation, SessionID: id, Payload: bus.Mutation{Batches: batches}})
}
