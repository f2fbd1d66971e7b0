// Package observer turns the page's mutation stream into debounced "the
// document changed" signals.
package observer

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AddedNode summarizes one element added to the document.
type AddedNode struct {
	Tag string `json:"tag"`
	// ContainsInteractive is set when a form, input or button is among the
	// node's descendants.
	ContainsInteractive bool `json:"containsInteractive"`
}

var interactiveTags = map[string]bool{"form": true, "input": true, "button": true}

// IsSignificant reports whether a mutation batch added interactive content.
func IsSignificant(batch []AddedNode) bool {
	for _, n := range batch {
		if n.ContainsInteractive || interactiveTags[strings.ToLower(n.Tag)] {
			return true
		}
	}
	return false
}

// Observer collapses bursts of significant batches into one call of the
// signal function once the document has been quiet for the configured
// window.
type Observer struct {
	logger *zap.Logger
	quiet  time.Duration
	signal func(batches int)

	mu      sync.Mutex
	active  bool
	closed  bool
	pending int
	timer   *time.Timer
}

// New creates an inactive Observer.
func New(logger *zap.Logger, quiet time.Duration, signal func(batches int)) *Observer {
	return &Observer{
		logger: logger.Named("observer"),
		quiet:  quiet,
		signal: signal,
	}
}

// Observe feeds one batch. Batches arriving while inactive are dropped.
func (o *Observer) Observe(batch []AddedNode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active || o.closed || !IsSignificant(batch) {
		return
	}
	o.pending++
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timer = time.AfterFunc(o.quiet, o.fire)
}

func (o *Observer) fire() {
	o.mu.Lock()
	if !o.active || o.closed || o.pending == 0 {
		o.mu.Unlock()
		return
	}
	n := o.pending
	o.pending = 0
	o.timer = nil
	o.mu.Unlock()

	o.logger.Debug("Significant document change.", zap.Int("batches", n))
	o.signal(n)
}

// Activate starts accepting batches.
func (o *Observer) Activate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = true
}

// Deactivate drops pending work and stops accepting batches.
func (o *Observer) Deactivate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = false
	o.reset()
}

// Active reports whether the observer accepts batches.
func (o *Observer) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Close deactivates the observer for good.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.active = false
	o.reset()
}

func (o *Observer) reset() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.pending = 0
}
