package bus_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/partscout/internal/bus"
)

func newTestBus(t *testing.T, opts bus.Options) *bus.Bus {
	t.Helper()
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 50 * time.Millisecond
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = time.Millisecond
	}
	return bus.New(zaptest.NewLogger(t), opts)
}

func TestBus_PostAndSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t, bus.Options{BufferSize: 4})
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(bus.KindMutation, bus.KindLog)
	defer unsubscribe()

	require.NoError(t, b.Post(context.Background(), bus.Envelope{Kind: bus.KindMutation, SessionID: "s1", Payload: bus.Mutation{Batches: 2}}))
	require.NoError(t, b.Post(context.Background(), bus.Envelope{Kind: bus.KindStop}), "posting to a kind with no subscriber is not an error")

	select {
	case env := <-ch:
		assert.NotEmpty(t, env.ID)
		assert.False(t, env.Timestamp.IsZero())
		assert.Equal(t, "s1", env.SessionID)
		assert.Equal(t, bus.Mutation{Batches: 2}, env.Payload)
		b.Acknowledge(env)
	case <-time.After(time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestBus_PostCancellation(t *testing.T) {
	b := newTestBus(t, bus.Options{BufferSize: 0})
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(bus.KindMutation)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Post(ctx, bus.Envelope{Kind: bus.KindMutation}) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not return after cancellation")
	}
	select {
	case <-ch:
		t.Error("envelope delivered after cancellation")
	default:
	}
}

func TestBus_RequestReply(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t, bus.Options{BufferSize: 1})

	ch, _ := b.Subscribe(bus.KindExecuteAction)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for env := range ch {
			b.Reply(env, bus.Ack{Accepted: true})
			b.Acknowledge(env)
		}
	}()

	reply, err := b.Request(context.Background(), bus.Envelope{Kind: bus.KindExecuteAction, SessionID: "s1", Step: 3})
	require.NoError(t, err)
	assert.Equal(t, bus.KindReply, reply.Kind)
	assert.Equal(t, 3, reply.Step)
	assert.NotEmpty(t, reply.CorrelationID)
	assert.Equal(t, bus.Ack{Accepted: true}, reply.Payload)

	b.Shutdown()
	wg.Wait()
}

func TestBus_RequestWithoutSubscriber(t *testing.T) {
	b := newTestBus(t, bus.Options{RequestRetries: 2})
	defer b.Shutdown()

	_, err := b.Request(context.Background(), bus.Envelope{Kind: bus.KindStart})
	assert.ErrorIs(t, err, bus.ErrChannelFailure)
	assert.Contains(t, err.Error(), "3 attempt(s)")
}

func TestBus_RequestRedeliversSameEnvelope(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t, bus.Options{BufferSize: 4, RequestRetries: 3, RequestTimeout: 20 * time.Millisecond})

	ch, _ := b.Subscribe(bus.KindCapture)
	var (
		wg       sync.WaitGroup
		attempts int32
		ids      sync.Map
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for env := range ch {
			ids.Store(env.ID, true)
			// Ignore the first delivery to force a redelivery.
			if atomic.AddInt32(&attempts, 1) > 1 {
				b.Reply(env, bus.Ack{Accepted: true})
			}
			b.Acknowledge(env)
		}
	}()

	_, err := b.Request(context.Background(), bus.Envelope{Kind: bus.KindCapture})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	distinct := 0
	ids.Range(func(_, _ interface{}) bool { distinct++; return true })
	assert.Equal(t, 1, distinct, "redeliveries reuse the envelope ID")

	b.Shutdown()
	wg.Wait()
}

func TestBus_RequestTimesOut(t *testing.T) {
	b := newTestBus(t, bus.Options{BufferSize: 8, RequestRetries: 1, RequestTimeout: 10 * time.Millisecond})

	ch, _ := b.Subscribe(bus.KindStart)
	go func() {
		for env := range ch {
			b.Acknowledge(env)
		}
	}()
	defer b.Shutdown()

	_, err := b.Request(context.Background(), bus.Envelope{Kind: bus.KindStart})
	assert.ErrorIs(t, err, bus.ErrChannelFailure)
}

func TestBus_LateReplyIsDropped(t *testing.T) {
	b := newTestBus(t, bus.Options{})
	defer b.Shutdown()
	assert.NotPanics(t, func() {
		b.Reply(bus.Envelope{ID: "unknown"}, bus.Ack{Accepted: true})
	})
}

func TestBus_BroadcastNeverBlocks(t *testing.T) {
	b := newTestBus(t, bus.Options{BufferSize: 1})
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(bus.KindLog)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		b.Broadcast(bus.Envelope{Kind: bus.KindLog, Payload: "one"})
		b.Broadcast(bus.Envelope{Kind: bus.KindLog, Payload: "two"})
		b.Broadcast(bus.Envelope{Kind: bus.KindComplete})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full subscriber")
	}

	env := <-ch
	assert.Equal(t, "one", env.Payload)
	b.Acknowledge(env)
}

func TestBus_ShutdownUnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t, bus.Options{BufferSize: 2})

	var consumers sync.WaitGroup
	for i := 0; i < 5; i++ {
		ch, _ := b.Subscribe(bus.KindMutation)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for env := range ch {
				time.Sleep(time.Millisecond)
				b.Acknowledge(env)
			}
		}()
	}

	var posters sync.WaitGroup
	for i := 0; i < 10; i++ {
		posters.Add(1)
		go func() {
			defer posters.Done()
			for j := 0; j < 20; j++ {
				if err := b.Post(context.Background(), bus.Envelope{Kind: bus.KindMutation}); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	shutdownDone := make(chan struct{})
	go func() {
		b.Shutdown()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not complete")
	}
	posters.Wait()
	consumers.Wait()

	assert.ErrorIs(t, b.Post(context.Background(), bus.Envelope{Kind: bus.KindMutation}), bus.ErrShutdown)
	_, err := b.Request(context.Background(), bus.Envelope{Kind: bus.KindStart})
	assert.ErrorIs(t, err, bus.ErrChannelFailure)

	ch, _ := b.Subscribe(bus.KindLog)
	_, open := <-ch
	assert.False(t, open, "subscribing after shutdown yields a closed channel")
}

func TestBus_UnsubscribeAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)
	b := newTestBus(t, bus.Options{BufferSize: 2})
	ch, unsubscribe := b.Subscribe(bus.KindLog)
	b.Broadcast(bus.Envelope{Kind: bus.KindLog})

	go func() {
		for env := range ch {
			b.Acknowledge(env)
		}
	}()
	b.Shutdown()

	done := make(chan struct{})
	go func() {
		unsubscribe()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe after shutdown did not return")
	}
}
