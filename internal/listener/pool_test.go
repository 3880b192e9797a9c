package listener

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/internal/backoff"
	"github.com/rendis/relay/internal/transport"
	"github.com/rendis/relay/pkg/schema"
)

var fastBackoff = backoff.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond}

func newTestPool(t *testing.T, mem *transport.MemorySession, opts ...Option) *PooledListener {
	t.Helper()
	p := NewPooledListener(mem, append([]Option{WithBackoff(fastBackoff)}, opts...)...)
	t.Cleanup(p.Close)
	return p
}

func waitSubscribed(t *testing.T, mem *transport.MemorySession, runID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return mem.SubscribeCount(runID) >= n },
		5*time.Second, time.Millisecond, "run %s not subscribed %d times", runID, n)
}

func runEvent(runID string, typ schema.RunEventType) *schema.RunEvent {
	return &schema.RunEvent{RunID: runID, EventType: typ}
}

func getWithin(t *testing.T, s *Streamable) (schema.RunEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Get(ctx)
}

func TestPooledListener_RoutesEventsByRun(t *testing.T) {
	mem := transport.NewMemorySession()
	p := newTestPool(t, mem)

	a := p.Subscribe("run-a")
	b := p.Subscribe("run-b")
	waitSubscribed(t, mem, "run-a", 1)
	waitSubscribed(t, mem, "run-b", 1)

	mem.PublishRunEvent(runEvent("run-a", schema.RunEventStarted))
	mem.PublishRunEvent(runEvent("run-b", schema.RunEventStarted))
	mem.PublishRunEvent(runEvent("run-a", schema.RunEventCompleted))

	ev, err := getWithin(t, a)
	require.NoError(t, err)
	assert.Equal(t, schema.RunEventStarted, ev.EventType)

	ev, err = getWithin(t, a)
	require.NoError(t, err)
	assert.Equal(t, schema.RunEventCompleted, ev.EventType)

	_, err = getWithin(t, a)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	ev, err = getWithin(t, b)
	require.NoError(t, err)
	assert.Equal(t, "run-b", ev.RunID)

	assert.Equal(t, 1, p.Len())
}

func TestPooledListener_WaitersOnOneRunShareSubscription(t *testing.T) {
	mem := transport.NewMemorySession()
	p := newTestPool(t, mem)

	first := p.Subscribe("run-a")
	second := p.Subscribe("run-a")
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 2, p.Waiters("run-a"))

	waitSubscribed(t, mem, "run-a", 1)
	mem.PublishRunEvent(runEvent("run-a", schema.RunEventStarted))
	mem.PublishRunEvent(runEvent("run-a", schema.RunEventCompleted))

	for _, w := range []*Streamable{first, second} {
		ev, err := getWithin(t, w)
		require.NoError(t, err)
		assert.Equal(t, schema.RunEventStarted, ev.EventType)
		ev, err = getWithin(t, w)
		require.NoError(t, err)
		assert.Equal(t, schema.RunEventCompleted, ev.EventType)
	}
	assert.Equal(t, 1, mem.SubscribeCount("run-a"), "second waiter reuses the dispatcher subscription")
	assert.Zero(t, p.Len())
}

func TestPooledListener_CancellingOneWaiterKeepsOthers(t *testing.T) {
	mem := transport.NewMemorySession()
	p := newTestPool(t, mem)

	kept := p.Subscribe("run-a")
	dropped := p.Subscribe("run-a")
	waitSubscribed(t, mem, "run-a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dropped.Get(ctx)
	require.ErrorIs(t, err, ErrWaitCancelled)
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 1, p.Waiters("run-a"))

	mem.PublishRunEvent(runEvent("run-a", schema.RunEventFinished))
	ev, err := getWithin(t, kept)
	require.NoError(t, err)
	assert.Equal(t, schema.RunEventFinished, ev.EventType)
	assert.Zero(t, p.Len())
}

func TestPooledListener_BreakingOutOfStreamUnsubscribes(t *testing.T) {
	mem := transport.NewMemorySession()
	p := newTestPool(t, mem)

	a := p.Subscribe("run-a")
	waitSubscribed(t, mem, "run-a", 1)
	mem.PublishRunEvent(runEvent("run-a", schema.RunEventStarted))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for ev, err := range a.Stream(ctx) {
		require.NoError(t, err)
		assert.Equal(t, schema.RunEventStarted, ev.EventType)
		break
	}
	assert.Zero(t, p.Len())

	_, err := getWithin(t, a)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestPooledListener_ReplaysAfterReconnect(t *testing.T) {
	mem := transport.NewMemorySession()
	p := newTestPool(t, mem)

	a := p.Subscribe("run-a")
	waitSubscribed(t, mem, "run-a", 1)

	mem.DropRunStreams(unavailable())
	waitSubscribed(t, mem, "run-a", 2)

	mem.PublishRunEvent(runEvent("run-a", schema.RunEventFinished))
	ev, err := getWithin(t, a)
	require.NoError(t, err)
	assert.Equal(t, schema.RunEventFinished, ev.EventType)
	assert.Zero(t, p.Len())
}

func TestPooledListener_SubscribeWhileDisconnected(t *testing.T) {
	mem := transport.NewMemorySession()
	mem.FailSubscribe(failures(3)...)
	p := newTestPool(t, mem)

	a := p.Subscribe("run-a")
	waitSubscribed(t, mem, "run-a", 1)

	mem.PublishRunEvent(runEvent("run-a", schema.RunEventFailed))
	ev, err := getWithin(t, a)
	require.NoError(t, err)
	assert.Equal(t, schema.RunEventFailed, ev.EventType)
}

func TestPooledListener_StreamEndsAtTerminal(t *testing.T) {
	mem := transport.NewMemorySession()
	p := newTestPool(t, mem)

	a := p.Subscribe("run-a")
	waitSubscribed(t, mem, "run-a", 1)

	mem.PublishRunEvent(runEvent("run-a", schema.RunEventStarted))
	mem.PublishRunEvent(runEvent("run-a", schema.RunEventTimedOut))
	mem.PublishRunEvent(runEvent("run-a", schema.RunEventFailed))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []schema.RunEventType
	for ev, err := range a.Stream(ctx) {
		require.NoError(t, err)
		got = append(got, ev.EventType)
	}
	assert.Equal(t, []schema.RunEventType{schema.RunEventStarted, schema.RunEventTimedOut, schema.RunEventFailed}, got)
	assert.Zero(t, p.Len())
}

func TestPooledListener_CancelledWaitUnsubscribes(t *testing.T) {
	mem := transport.NewMemorySession()
	p := newTestPool(t, mem)

	a := p.Subscribe("run-a")
	require.Equal(t, 1, p.Len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Get(ctx)
	assert.ErrorIs(t, err, ErrWaitCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, p.Len())

	_, err = getWithin(t, a)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	// A fresh subscription for the same run gets a new waiter.
	assert.NotSame(t, a, p.Subscribe("run-a"))
}

func TestPooledListener_MaxRetriesFinishes(t *testing.T) {
	mem := transport.NewMemorySession()
	mem.FailSubscribe(failures(3)...)

	var finished atomic.Int32
	p := newTestPool(t, mem, WithMaxRetries(2), WithOnFinish(func() { finished.Add(1) }))
	a := p.Subscribe("run-a")

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, int32(1), finished.Load())

	_, err := getWithin(t, a)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	late := p.Subscribe("run-b")
	_, err = getWithin(t, late)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	assert.Zero(t, p.Len())
}

func TestPooledListener_CloseReleasesWaiters(t *testing.T) {
	mem := transport.NewMemorySession()
	var finished atomic.Int32
	p := NewPooledListener(mem, WithBackoff(fastBackoff), WithOnFinish(func() { finished.Add(1) }))

	a := p.Subscribe("run-a")
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Get(context.Background())
		errCh <- err
	}()

	p.Close()
	p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released")
	}
	assert.Equal(t, int32(1), finished.Load())
}

func TestPooledListener_DropsEventsWithoutSubscriber(t *testing.T) {
	mem := transport.NewMemorySession()
	p := newTestPool(t, mem)

	p.dispatch(runEvent("ghost", schema.RunEventCompleted))
	assert.Zero(t, p.Len())
}
