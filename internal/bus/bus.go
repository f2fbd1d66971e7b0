// Package bus carries envelopes between the session controller and the page
// mediator. Commands are correlated requests that the receiver acknowledges
// with a Reply; events are plain posts.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrChannelFailure reports that a request could not be delivered or
	// acknowledged.
	ErrChannelFailure = errors.New("channel failure")
	// ErrNoSubscriber is returned by Request attempts that reach no receiver.
	ErrNoSubscriber = errors.New("no subscriber for message kind")
	// ErrShutdown is returned by operations on a shut down bus.
	ErrShutdown = errors.New("bus is shut down")
)

// Envelope is the unit of transmission. CorrelationID links a reply to the
// request whose ID it names.
type Envelope struct {
	ID            string
	CorrelationID string
	SessionID     string
	Step          int
	Kind          Kind
	Payload       interface{}
	Timestamp     time.Time
}

// Options tune request delivery.
type Options struct {
	BufferSize int
	// RequestTimeout bounds the wait for each acknowledgement.
	RequestTimeout time.Duration
	// RequestRetries is the number of redeliveries after the first attempt.
	RequestRetries int
	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration
}

// Bus is an in-process publish/subscribe hub with request/reply correlation.
type Bus struct {
	logger *zap.Logger
	opts   Options

	subscribers map[Kind][]chan Envelope
	mu          sync.RWMutex

	// Waiters for replies, keyed by request ID.
	pending   map[string]chan Envelope
	pendingMu sync.Mutex

	// Deliveries not yet acknowledged by a consumer.
	processingWg sync.WaitGroup
	// In-flight deliver calls.
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// New creates a Bus.
func New(logger *zap.Logger, opts Options) *Bus {
	if opts.BufferSize < 0 {
		opts.BufferSize = 0
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.RequestRetries < 0 {
		opts.RequestRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	return &Bus{
		logger:       logger.Named("bus"),
		opts:         opts,
		subscribers:  make(map[Kind][]chan Envelope),
		pending:      make(map[string]chan Envelope),
		shutdownChan: make(chan struct{}),
	}
}

func stamp(env Envelope) Envelope {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	return env
}

// Post delivers env to every subscriber of its kind, blocking while their
// buffers are full. Posting a kind nobody listens to is not an error.
func (b *Bus) Post(ctx context.Context, env Envelope) error {
	_, err := b.deliver(ctx, stamp(env), true)
	return err
}

// Broadcast is a best-effort Post: subscribers whose buffers are full miss
// the envelope and nothing blocks.
func (b *Bus) Broadcast(env Envelope) {
	env = stamp(env)
	n, err := b.deliver(context.Background(), env, false)
	if err != nil {
		b.logger.Debug("Broadcast dropped.", zap.String("kind", string(env.Kind)), zap.Error(err))
		return
	}
	if n == 0 {
		b.logger.Debug("Broadcast had no listener.", zap.String("kind", string(env.Kind)))
	}
}

// deliver returns the number of subscribers that received env.
func (b *Bus) deliver(ctx context.Context, env Envelope, block bool) (int, error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return 0, ErrShutdown
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	b.logger.Debug("Posting envelope.", zap.String("kind", string(env.Kind)), zap.String("id", env.ID), zap.Int("step", env.Step))

	b.mu.RLock()
	subs := b.subscribers[env.Kind]
	subsCopy := make([]chan Envelope, len(subs))
	copy(subsCopy, subs)
	b.mu.RUnlock()

	delivered := 0
	for _, ch := range subsCopy {
		b.processingWg.Add(1)
		if !block {
			select {
			case ch <- env:
				delivered++
			default:
				b.processingWg.Done()
			}
			continue
		}
		select {
		case ch <- env:
			delivered++
		case <-ctx.Done():
			b.processingWg.Done()
			return delivered, ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return delivered, ErrShutdown
		}
	}
	return delivered, nil
}

// Subscribe returns a channel of envelopes of the given kinds and a function
// that removes the subscription and discards what is still buffered. Every
// received envelope must be passed to Acknowledge.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.shutdownMu.Lock()
	shut := b.isShutdown
	b.shutdownMu.Unlock()
	if shut {
		closedCh := make(chan Envelope)
		close(closedCh)
		return closedCh, func() {}
	}
	if len(kinds) == 0 {
		panic("must subscribe to at least one message kind")
	}

	ch := make(chan Envelope, b.opts.BufferSize)
	subscribed := append([]Kind(nil), kinds...)
	for _, k := range subscribed {
		b.subscribers[k] = append(b.subscribers[k], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, k := range subscribed {
			subs := b.subscribers[k]
			for i, c := range subs {
				if c == ch {
					b.subscribers[k] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[k]) == 0 {
				delete(b.subscribers, k)
			}
		}
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					// Shutdown already closed and drained it.
					return
				}
				b.processingWg.Done()
			default:
				return
			}
		}
	}
	return ch, unsubscribe
}

// Acknowledge marks a received envelope as processed.
func (b *Bus) Acknowledge(Envelope) {
	b.processingWg.Done()
}

// Request posts env and waits for a correlated Reply. Unanswered attempts are
// redelivered with the same envelope ID, so receivers can discard duplicates.
// Delivery and acknowledgement failures wrap ErrChannelFailure.
func (b *Bus) Request(ctx context.Context, env Envelope) (Envelope, error) {
	env = stamp(env)
	waiter := make(chan Envelope, 1)
	b.pendingMu.Lock()
	b.pending[env.ID] = waiter
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, env.ID)
		b.pendingMu.Unlock()
	}()

	var reply Envelope
	attempt := 0
	operation := func() error {
		attempt++
		n, err := b.deliver(ctx, env, true)
		if err != nil {
			if errors.Is(err, ErrShutdown) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if n == 0 {
			return ErrNoSubscriber
		}

		timer := time.NewTimer(b.opts.RequestTimeout)
		defer timer.Stop()
		select {
		case reply = <-waiter:
			return nil
		case <-timer.C:
			b.logger.Debug("Request not acknowledged in time.", zap.String("kind", string(env.Kind)), zap.Int("attempt", attempt))
			return fmt.Errorf("no reply to %s within %s", env.Kind, b.opts.RequestTimeout)
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-b.shutdownChan:
			return backoff.Permanent(ErrShutdown)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.RetryInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(b.opts.RequestRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s request %s after %d attempt(s): %v", ErrChannelFailure, env.Kind, env.ID, attempt, err)
	}
	return reply, nil
}

// Reply answers the request env. Replies to requests nobody waits for any
// more are dropped, as are all but the first reply to a request.
func (b *Bus) Reply(req Envelope, payload interface{}) {
	b.pendingMu.Lock()
	waiter, ok := b.pending[req.ID]
	b.pendingMu.Unlock()
	if !ok {
		b.logger.Debug("Dropping reply to a request no one awaits.", zap.String("request_id", req.ID))
		return
	}
	reply := stamp(Envelope{
		CorrelationID: req.ID,
		SessionID:     req.SessionID,
		Step:          req.Step,
		Kind:          KindReply,
		Payload:       payload,
	})
	select {
	case waiter <- reply:
	default:
	}
}

// Shutdown closes all subscriptions, discards undelivered envelopes and
// waits for consumers to acknowledge the ones they hold.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.logger.Debug("Shutting down bus.")

		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Envelope]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[Kind][]chan Envelope)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Drained buffered envelopes during shutdown.", zap.Int("count", drained))
		}
		b.processingWg.Wait()
		b.logger.Debug("Bus shut down.")
	})
}
