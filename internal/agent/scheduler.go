package agent

import (
	"context"
	"sync"
	"time"
)

// scheduler owns the delayed continuations of one session. Stopping it
// cancels its context and every continuation that has not started.
type scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
	// active counts continuations that are pending or running.
	active int
	wg     sync.WaitGroup
}

func newScheduler() *scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduler{ctx: ctx, cancel: cancel, timers: make(map[*time.Timer]struct{})}
}

// After runs fn after d unless the scheduler is stopped or the continuation
// is cancelled first.
func (s *scheduler) After(d time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.wg.Add(1)
	s.active++
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		defer s.finish()
		s.mu.Lock()
		_, live := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if live {
			fn(s.ctx)
		}
	})
	s.timers[t] = struct{}{}
}

// CancelPending drops continuations that have not started.
func (s *scheduler) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimersLocked()
}

// Stop cancels the context and all pending continuations.
func (s *scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancel()
	s.cancelTimersLocked()
}

func (s *scheduler) cancelTimersLocked() {
	for t := range s.timers {
		if t.Stop() {
			s.active--
			s.wg.Done()
		}
		delete(s.timers, t)
	}
}

func (s *scheduler) finish() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.wg.Done()
}

// Idle reports whether the scheduler is stopped with nothing left to run.
func (s *scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped && s.active == 0
}

// Wait blocks until running continuations return.
func (s *scheduler) Wait() {
	s.wg.Wait()
}
