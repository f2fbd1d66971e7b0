// Package agent drives a session: capture the page, decide, act, settle and
// repeat until the goal is met, the budget runs out or the user stops it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/bus"
	"github.com/xkilldash9x/partscout/internal/simplifier"
	"github.com/xkilldash9x/partscout/internal/store"
)

// Termination reasons.
const (
	ReasonBudget      = "maximum steps reached"
	ReasonCompleted   = "search completed"
	ReasonNothingToDo = "no actionable elements found"
	ReasonStopped     = "stopped by user"
	ReasonLost        = "session state lost"
	ReasonUnreachable = "lost contact with the page"
	ReasonShutdown    = "controller shut down"
)

type phase int

const (
	phaseIdle phase = iota
	phaseCapturing
	phaseDeciding
	phaseActing
	phaseSettling
)

// Options tune the loop.
type Options struct {
	StepBudget             int
	MaxConsecutiveFailures int
	// SettleDelay is the wait after an action before the next capture.
	SettleDelay time.Duration
}

// Orchestrator owns at most one running session.
type Orchestrator struct {
	logger  *zap.Logger
	bus     *bus.Bus
	store   store.StateStore
	decider schemas.Decider
	opts    Options

	mu       sync.Mutex
	session  *schemas.Session
	running  bool
	phase    phase
	token    string
	failures int
	sched    *scheduler
	done     chan struct{}
	report   schemas.CompletionReport

	// Schedulers of ended sessions whose continuations may still be running.
	retired []*scheduler

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an Orchestrator.
func New(logger *zap.Logger, b *bus.Bus, st store.StateStore, decider schemas.Decider, opts Options) *Orchestrator {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 3
	}
	return &Orchestrator{
		logger:  logger.Named("orchestrator"),
		bus:     b,
		store:   st,
		decider: decider,
		opts:    opts,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Run listens for page events.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

// Run processes page events in arrival order until ctx ends or the bus shuts
// down. A session still running at that point is stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	ch, unsubscribe := o.bus.Subscribe(bus.KindStructureCaptured, bus.KindActionCompleted, bus.KindMutation)
	defer unsubscribe()
	defer o.shutdown()
	o.readyOnce.Do(func() { close(o.ready) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			switch env.Kind {
			case bus.KindStructureCaptured:
				o.handleStructureCaptured(env)
			case bus.KindActionCompleted:
				o.handleActionCompleted(env)
			case bus.KindMutation:
				o.handleMutation(env)
			}
			o.bus.Acknowledge(env)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.terminate(schemas.StatusStopped, ReasonShutdown, "")
	o.mu.Lock()
	retired := o.retired
	o.retired = nil
	o.mu.Unlock()
	for _, s := range retired {
		s.Wait()
	}
}

// Start begins a session toward goal.
func (o *Orchestrator) Start(ctx context.Context, goal schemas.Goal) (schemas.Session, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return schemas.Session{}, &Error{Code: CodeAlreadyRunning, Err: ErrAlreadyRunning}
	}
	budget := o.opts.StepBudget
	if goal.StepBudget > 0 {
		budget = goal.StepBudget
	}
	s := &schemas.Session{
		ID:              uuid.New().String(),
		GoalIdentifier:  goal.Identifier,
		GoalDescription: goal.Description,
		StepBudget:      budget,
		Results:         []schemas.Result{},
		Status:          schemas.StatusRunning,
		StartedAt:       time.Now().UTC(),
	}
	o.session = s
	o.running = true
	o.phase = phaseCapturing
	o.token = uuid.New().String()
	o.failures = 0
	o.sched = newScheduler()
	o.pruneRetiredLocked()
	o.retired = append(o.retired, o.sched)
	o.done = make(chan struct{})
	token := o.token
	snapshot := s.Clone()
	o.mu.Unlock()

	o.persist(ctx, snapshot)
	if err := o.store.SetActive(ctx, snapshot.ID, true); err != nil {
		o.logger.Warn("Could not record active flag.", zap.Error(err))
	}
	o.emit(snapshot.ID, zap.InfoLevel, fmt.Sprintf("Session started for %s", goal.Identifier))

	reply, err := o.bus.Request(ctx, bus.Envelope{
		Kind:      bus.KindStart,
		SessionID: snapshot.ID,
		Payload:   bus.Start{Goal: goal, CaptureToken: token},
	})
	if err == nil {
		err = ackError(reply)
	}
	if err != nil {
		o.emit(snapshot.ID, zap.ErrorLevel, "Could not reach the page: "+err.Error())
		o.terminate(schemas.StatusFailed, ReasonUnreachable, CodeChannelFailure)
		return schemas.Session{}, &Error{Code: CodeChannelFailure, Err: err}
	}
	return snapshot, nil
}

func ackError(reply bus.Envelope) error {
	ack, ok := reply.Payload.(bus.Ack)
	if !ok {
		return fmt.Errorf("%w: malformed reply", bus.ErrChannelFailure)
	}
	if !ack.Accepted {
		return fmt.Errorf("%w: command rejected: %s", bus.ErrChannelFailure, ack.Error)
	}
	return nil
}

// Stop ends the running session, if any. It is safe to call repeatedly.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	running := o.running
	var id string
	if o.session != nil {
		id = o.session.ID
	}
	o.mu.Unlock()
	if !running {
		return nil
	}

	o.terminate(schemas.StatusStopped, ReasonStopped, "")
	if _, err := o.bus.Request(ctx, bus.Envelope{Kind: bus.KindStop, SessionID: id, Payload: bus.Stop{Reason: ReasonStopped}}); err != nil {
		o.logger.Warn("Page did not acknowledge stop.", zap.String("code", string(CodeOf(err))), zap.Error(err))
	}
	return nil
}

// Status returns a copy of the current or most recent session.
func (o *Orchestrator) Status() schemas.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return schemas.Session{Status: schemas.StatusIdle}
	}
	return o.session.Clone()
}

// Wait blocks until the current session ends and returns its report.
func (o *Orchestrator) Wait(ctx context.Context) (schemas.CompletionReport, error) {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return schemas.CompletionReport{}, ErrNoSession
	}
	select {
	case <-done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.report, nil
	case <-ctx.Done():
		return schemas.CompletionReport{}, ctx.Err()
	}
}

// Reconcile finalizes a session that a previous controller left marked
// active. Call it before the first Start.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	id, active, err := o.store.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("read controller state: %w", err)
	}
	if !active {
		return nil
	}
	o.mu.Lock()
	live := o.running && o.session != nil && o.session.ID == id
	o.mu.Unlock()
	if live {
		return nil
	}

	s, err := o.store.LoadSession(ctx, id)
	switch {
	case err == nil:
		s.Status = schemas.StatusFailed
		s.Reason = ReasonLost
		s.EndedAt = time.Now().UTC()
		if err := o.store.SaveSession(ctx, s); err != nil {
			return fmt.Errorf("finalize lost session: %w", err)
		}
		o.mu.Lock()
		if !o.running {
			o.session = &s
		}
		o.mu.Unlock()
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("load lost session: %w", err)
	}
	if err := o.store.SetActive(ctx, id, false); err != nil {
		return fmt.Errorf("clear active flag: %w", err)
	}
	o.logger.Warn("Finalized a session left running by a previous controller.", zap.String("session_id", id), zap.String("code", string(CodeSessionLost)))
	o.appendLog(schemas.LogEntry{SessionID: id, Level: "warn", Message: "Previous session ended: " + ReasonLost, At: time.Now().UTC()})
	return nil
}

func (o *Orchestrator) handleStructureCaptured(env bus.Envelope) {
	payload, ok := env.Payload.(bus.StructureCaptured)
	if !ok {
		return
	}

	o.mu.Lock()
	if !o.running || env.SessionID != o.session.ID || payload.Token != o.token || o.phase != phaseCapturing {
		o.mu.Unlock()
		o.logger.Debug("Dropping stale capture.", zap.String("token", payload.Token))
		return
	}
	o.token = ""
	if payload.Error != "" {
		o.mu.Unlock()
		o.emit(env.SessionID, zap.WarnLevel, "Capture failed: "+payload.Error)
		o.recoverFromFailure(env.SessionID)
		return
	}
	o.failures = 0
	if budget := o.session.StepBudget; o.session.StepCount >= budget {
		o.mu.Unlock()
		o.emit(env.SessionID, zap.InfoLevel, fmt.Sprintf("Step budget of %d reached.", budget))
		o.terminate(schemas.StatusCompleted, ReasonBudget, CodeBudgetExhausted)
		return
	}
	o.session.StepCount++
	step := o.session.StepCount
	goal := o.session.Goal()
	o.phase = phaseDeciding
	ctx := o.sched.ctx
	o.mu.Unlock()

	snapshot, err := simplifier.Simplify(payload.Capture.HTML, payload.Capture.URL)
	if err != nil {
		o.emit(env.SessionID, zap.WarnLevel, "Could not read the page: "+err.Error())
		o.mu.Lock()
		if o.isCurrent(env.SessionID) {
			o.phase = phaseSettling
		}
		o.mu.Unlock()
		o.recoverFromFailure(env.SessionID)
		return
	}
	if payload.Capture.Title != "" {
		snapshot.Title = payload.Capture.Title
	}
	o.logger.Debug("Deciding.", zap.Int("step", step), zap.Int("elements", len(snapshot.Elements)))

	decision := o.decider.Decide(ctx, snapshot, goal)

	o.mu.Lock()
	if !o.isCurrent(env.SessionID) {
		o.mu.Unlock()
		return
	}
	if decision.ResultsFound {
		for _, r := range decision.Results {
			o.session.Results = append(o.session.Results, r.Clone())
		}
	}
	var action schemas.Action
	if decision.Action != nil {
		action = *decision.Action
		o.phase = phaseActing
	}
	snap := o.session.Clone()
	o.mu.Unlock()

	o.emit(env.SessionID, zap.InfoLevel, fmt.Sprintf("Step %d (%s): %s", step, decision.Source, decision.Rationale))
	switch {
	case decision.Completed:
		o.terminate(schemas.StatusCompleted, ReasonCompleted, "")
		return
	case decision.Action == nil:
		o.terminate(schemas.StatusCompleted, ReasonNothingToDo, "")
		return
	}
	o.persist(ctx, snap)

	reply, err := o.bus.Request(ctx, bus.Envelope{
		Kind:      bus.KindExecuteAction,
		SessionID: env.SessionID,
		Step:      step,
		Payload:   bus.ExecuteAction{Action: action},
	})
	if err == nil {
		err = ackError(reply)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.emit(env.SessionID, zap.WarnLevel, fmt.Sprintf("Could not dispatch %s: %v", action, err))
		o.record(ctx, schemas.StepRecord{SessionID: env.SessionID, StepIndex: step, Action: &action, Outcome: schemas.OutcomeSkipped, Reason: err.Error()})
		o.mu.Lock()
		if o.isCurrent(env.SessionID) {
			o.phase = phaseSettling
		}
		o.mu.Unlock()
		o.recoverFromFailure(env.SessionID)
	}
}

func (o *Orchestrator) handleActionCompleted(env bus.Envelope) {
	payload, ok := env.Payload.(bus.ActionCompleted)
	if !ok {
		return
	}
	o.mu.Lock()
	if !o.isCurrent(env.SessionID) || env.Step != o.session.StepCount || o.phase != phaseActing {
		o.mu.Unlock()
		o.logger.Debug("Dropping stale action result.", zap.Int("step", env.Step))
		return
	}
	o.phase = phaseSettling
	ctx := o.sched.ctx
	o.mu.Unlock()

	rec := schemas.StepRecord{SessionID: env.SessionID, StepIndex: env.Step, Action: &payload.Action, Outcome: schemas.OutcomeSucceeded}
	if payload.Succeeded {
		o.emit(env.SessionID, zap.InfoLevel, fmt.Sprintf("Action completed: %s", payload.Action))
	} else {
		rec.Outcome = schemas.OutcomeFailed
		rec.Reason = payload.Error
		o.emit(env.SessionID, zap.WarnLevel, fmt.Sprintf("Action failed (%s): %s", payload.Code, payload.Error))
	}
	o.record(ctx, rec)
	o.scheduleCapture(env.SessionID, o.opts.SettleDelay)
}

// handleMutation captures early when the page changes while settling.
func (o *Orchestrator) handleMutation(env bus.Envelope) {
	o.mu.Lock()
	settling := o.isCurrent(env.SessionID) && o.phase == phaseSettling
	if settling {
		o.sched.CancelPending()
	}
	o.mu.Unlock()
	if settling {
		o.logger.Debug("Page changed while settling, capturing now.")
		o.scheduleCapture(env.SessionID, 0)
	}
}

func (o *Orchestrator) scheduleCapture(sessionID string, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.isCurrent(sessionID) {
		return
	}
	o.sched.After(delay, func(ctx context.Context) { o.requestCapture(ctx, sessionID) })
}

func (o *Orchestrator) requestCapture(ctx context.Context, sessionID string) {
	o.mu.Lock()
	if !o.isCurrent(sessionID) || o.phase != phaseSettling {
		o.mu.Unlock()
		return
	}
	o.phase = phaseCapturing
	o.token = uuid.New().String()
	token := o.token
	o.mu.Unlock()

	reply, err := o.bus.Request(ctx, bus.Envelope{Kind: bus.KindCapture, SessionID: sessionID, Payload: bus.Capture{Token: token}})
	if err == nil {
		err = ackError(reply)
	}
	if err == nil || ctx.Err() != nil {
		return
	}
	o.emit(sessionID, zap.WarnLevel, "Could not request a capture: "+err.Error())
	o.mu.Lock()
	if o.isCurrent(sessionID) && o.token == token {
		o.token = ""
		o.phase = phaseSettling
	}
	o.mu.Unlock()
	o.recoverFromFailure(sessionID)
}

// recoverFromFailure counts a consecutive failure and either retries after
// the settle delay or fails the session.
func (o *Orchestrator) recoverFromFailure(sessionID string) {
	o.mu.Lock()
	if !o.isCurrent(sessionID) {
		o.mu.Unlock()
		return
	}
	o.failures++
	exhausted := o.failures >= o.opts.MaxConsecutiveFailures
	o.phase = phaseSettling
	o.mu.Unlock()

	if exhausted {
		o.terminate(schemas.StatusFailed, ReasonUnreachable, CodeChannelFailure)
		return
	}
	o.scheduleCapture(sessionID, o.opts.SettleDelay)
}

func (o *Orchestrator) isCurrent(sessionID string) bool {
	return o.running && o.session != nil && o.session.ID == sessionID
}

// terminate ends the running session. Only the first call per session has
// an effect.
func (o *Orchestrator) terminate(status schemas.SessionStatus, reason string, code ErrorCode) {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.phase = phaseIdle
	o.token = ""
	o.sched.Stop()
	o.pruneRetiredLocked()
	o.session.Status = status
	o.session.Reason = reason
	o.session.EndedAt = time.Now().UTC()
	final := o.session.Clone()
	done := o.done
	o.report = schemas.CompletionReport{
		SessionID:  final.ID,
		Status:     status,
		Reason:     reason,
		Results:    final.Results,
		StepCount:  final.StepCount,
		DurationMs: final.EndedAt.Sub(final.StartedAt).Milliseconds(),
	}
	report := o.report
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.persist(ctx, final)
	if err := o.store.SetActive(ctx, final.ID, false); err != nil {
		o.logger.Warn("Could not clear active flag.", zap.Error(err))
	}

	fields := []zap.Field{zap.String("status", string(status)), zap.Int("steps", final.StepCount), zap.Int("results", len(final.Results))}
	if code != "" {
		fields = append(fields, zap.String("code", string(code)))
	}
	o.logger.Info("Session ended.", append(fields, zap.String("reason", reason))...)
	o.emit(final.ID, zap.InfoLevel, fmt.Sprintf("Session %s: %s", status, reason))
	// The page stops observing on every ending, not only on an explicit Stop.
	o.bus.Broadcast(bus.Envelope{Kind: bus.KindStop, SessionID: final.ID, Payload: bus.Stop{Reason: reason}})
	o.bus.Broadcast(bus.Envelope{Kind: bus.KindComplete, SessionID: final.ID, Payload: report})
	close(done)
}

// pruneRetiredLocked drops schedulers of ended sessions whose continuations
// have all returned.
func (o *Orchestrator) pruneRetiredLocked() {
	kept := o.retired[:0]
	for _, s := range o.retired {
		if !s.Idle() {
			kept = append(kept, s)
		}
	}
	clear(o.retired[len(kept):])
	o.retired = kept
}

func (o *Orchestrator) persist(ctx context.Context, s schemas.Session) {
	if err := o.store.SaveSession(ctx, s); err != nil {
		o.logger.Warn("Could not persist session.", zap.String("session_id", s.ID), zap.Error(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, r schemas.StepRecord) {
	r.At = time.Now().UTC()
	if err := o.store.RecordStep(ctx, r); err != nil {
		o.logger.Warn("Could not record step.", zap.Int("step", r.StepIndex), zap.Error(err))
	}
}

// emit writes a user-facing log line to the store and the log broadcast.
func (o *Orchestrator) emit(sessionID string, level zapcore.Level, msg string) {
	if ce := o.logger.Check(level, msg); ce != nil {
		ce.Write(zap.String("session_id", sessionID))
	}
	entry := schemas.LogEntry{SessionID: sessionID, Level: level.String(), Message: msg, At: time.Now().UTC()}
	o.appendLog(entry)
	o.bus.Broadcast(bus.Envelope{Kind: bus.KindLog, SessionID: sessionID, Payload: entry})
}

func (o *Orchestrator) appendLog(e schemas.LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.AppendLog(ctx, e); err != nil {
		o.logger.Debug("Could not append to the log buffer.", zap.Error(err))
	}
}
