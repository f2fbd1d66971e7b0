package mediator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/browser/dom"
	"github.com/xkilldash9x/partscout/internal/browser/executor"
	"github.com/xkilldash9x/partscout/internal/bus"
	"github.com/xkilldash9x/partscout/internal/observer"
)

const page = `<html><head><title>Catalog  Login</title></head><body>
<form id="lookup"><input id="vin" name="vin"><button type="submit">Go</button></form>
</body></html>`

type harness struct {
	t      *testing.T
	bus    *bus.Bus
	page   *StaticPage
	events <-chan bus.Envelope
	done   chan struct{}
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	b := bus.New(logger, bus.Options{BufferSize: 8, RequestTimeout: time.Second, RetryInterval: time.Millisecond})
	p, err := NewStaticPage(page, "https://catalog.example/")
	require.NoError(t, err)
	exec := executor.New(logger, dom.NewResolver(logger), executor.Timing{HighlightDuration: time.Hour})
	m := New(logger, b, p, exec, Options{MutationDebounce: 10 * time.Millisecond})

	events, _ := b.Subscribe(bus.KindStructureCaptured, bus.KindActionCompleted, bus.KindMutation)
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, bus: b, page: p, events: events, done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(h.done)
		_ = m.Run(ctx)
	}()
	<-m.Ready()
	t.Cleanup(func() {
		cancel()
		<-h.done
		exec.Close()
		go func() {
			for env := range events {
				b.Acknowledge(env)
			}
		}()
		b.Shutdown()
	})
	return h
}

func (h *harness) request(kind bus.Kind, step int, payload interface{}) bus.Ack {
	h.t.Helper()
	reply, err := h.bus.Request(context.Background(), bus.Envelope{Kind: kind, SessionID: "s1", Step: step, Payload: payload})
	require.NoError(h.t, err)
	return reply.Payload.(bus.Ack)
}

func (h *harness) next() bus.Envelope {
	h.t.Helper()
	select {
	case env := <-h.events:
		h.bus.Acknowledge(env)
		return env
	case <-time.After(2 * time.Second):
		h.t.Fatal("no event received")
		return bus.Envelope{}
	}
}

func (h *harness) quiet(d time.Duration) {
	h.t.Helper()
	select {
	case env := <-h.events:
		h.bus.Acknowledge(env)
		h.t.Fatalf("unexpected event %s", env.Kind)
	case <-time.After(d):
	}
}

func TestMediator_StartCaptures(t *testing.T) {
	h := newHarness(t)

	ack := h.request(bus.KindStart, 0, bus.Start{Goal: schemas.Goal{Identifier: "VIN"}, CaptureToken: "c1"})
	assert.True(t, ack.Accepted)

	env := h.next()
	require.Equal(t, bus.KindStructureCaptured, env.Kind)
	sc := env.Payload.(bus.StructureCaptured)
	assert.Equal(t, "c1", sc.Token)
	assert.Empty(t, sc.Error)
	assert.Equal(t, "https://catalog.example/", sc.Capture.URL)
	assert.Equal(t, "Catalog Login", sc.Capture.Title)
	assert.Contains(t, sc.Capture.HTML, `id="vin"`)

	assert.True(t, h.request(bus.KindStart, 0, bus.Start{CaptureToken: "c1"}).Accepted)
	h.quiet(50 * time.Millisecond)

	assert.True(t, h.request(bus.KindCapture, 0, bus.Capture{Token: "c2"}).Accepted)
	assert.Equal(t, "c2", h.next().Payload.(bus.StructureCaptured).Token)
	assert.True(t, h.request(bus.KindCapture, 0, bus.Capture{Token: "c2"}).Accepted)
	h.quiet(50 * time.Millisecond)
}

func TestMediator_ExecuteActionOncePerStep(t *testing.T) {
	h := newHarness(t)
	h.request(bus.KindStart, 0, bus.Start{CaptureToken: "c1"})
	h.next()

	action := schemas.NewFillInput("#vin", "WBA")
	assert.True(t, h.request(bus.KindExecuteAction, 1, bus.ExecuteAction{Action: action}).Accepted)
	env := h.next()
	require.Equal(t, bus.KindActionCompleted, env.Kind)
	assert.Equal(t, 1, env.Step)
	ac := env.Payload.(bus.ActionCompleted)
	assert.True(t, ac.Succeeded)
	assert.Equal(t, action, ac.Action)

	assert.True(t, h.request(bus.KindExecuteAction, 1, bus.ExecuteAction{Action: action}).Accepted)
	h.quiet(50 * time.Millisecond)

	changes := 0
	for _, ev := range h.page.StaticDocument().Events() {
		if ev.Type == dom.EventChange {
			changes++
		}
	}
	assert.Equal(t, 1, changes, "a redelivered step is not executed twice")
}

func TestMediator_DeadTarget(t *testing.T) {
	h := newHarness(t)
	h.request(bus.KindStart, 0, bus.Start{CaptureToken: "c1"})
	h.next()

	h.request(bus.KindExecuteAction, 1, bus.ExecuteAction{Action: schemas.NewFillInput("#gone", "x")})
	ac := h.next().Payload.(bus.ActionCompleted)
	assert.False(t, ac.Succeeded)
	assert.Equal(t, CodeTargetNotFound, ac.Code)
	assert.NotEmpty(t, ac.Error)
}

func TestMediator_RejectsUnknownSession(t *testing.T) {
	h := newHarness(t)
	ack := h.request(bus.KindCapture, 0, bus.Capture{Token: "c1"})
	assert.False(t, ack.Accepted)
	assert.NotEmpty(t, ack.Error)
}

func TestMediator_MutationsOnlyWhileActive(t *testing.T) {
	h := newHarness(t)
	batch := []observer.AddedNode{{Tag: "form"}}

	h.page.Mutate(batch)
	h.quiet(50 * time.Millisecond)

	h.request(bus.KindStart, 0, bus.Start{CaptureToken: "c1"})
	h.next()
	h.page.Mutate(batch)
	env := h.next()
	assert.Equal(t, bus.KindMutation, env.Kind)
	assert.Equal(t, "s1", env.SessionID)

	assert.True(t, h.request(bus.KindStop, 0, bus.Stop{Reason: "stopped by user"}).Accepted)
	h.page.Mutate(batch)
	h.quiet(50 * time.Millisecond)
}

func TestMediator_StopForOtherSessionIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.request(bus.KindStart, 0, bus.Start{CaptureToken: "c1"})
	h.next()

	reply, err := h.bus.Request(context.Background(), bus.Envelope{Kind: bus.KindStop, SessionID: "s0", Payload: bus.Stop{Reason: "stopped by user"}})
	require.NoError(t, err)
	assert.True(t, reply.Payload.(bus.Ack).Accepted)

	assert.True(t, h.request(bus.KindCapture, 0, bus.Capture{Token: "c2"}).Accepted, "the current session survives")
	assert.Equal(t, "c2", h.next().Payload.(bus.StructureCaptured).Token)

	h.page.Mutate([]observer.AddedNode{{Tag: "form"}})
	assert.Equal(t, bus.KindMutation, h.next().Kind)

	assert.True(t, h.request(bus.KindStop, 0, bus.Stop{}).Accepted)
	assert.False(t, h.request(bus.KindCapture, 0, bus.Capture{Token: "c3"}).Accepted)
}
