package listener

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

func TestStreamable_BuffersInOrder(t *testing.T) {
	s := newStreamable("run-a")
	for i := range 50 {
		s.deliver(schema.RunEvent{RunID: "run-a", EventType: schema.RunEventStarted, Payload: []byte(fmt.Sprint(i))})
	}
	s.deliver(schema.RunEvent{RunID: "run-a", EventType: schema.RunEventCompleted})

	for i := range 50 {
		ev, err := getWithin(t, s)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(ev.Payload))
	}
	ev, err := getWithin(t, s)
	require.NoError(t, err)
	assert.Equal(t, schema.RunEventCompleted, ev.EventType)

	_, err = getWithin(t, s)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestStreamable_IgnoresEventsAfterTerminal(t *testing.T) {
	s := newStreamable("run-a")
	s.deliver(schema.RunEvent{EventType: schema.RunEventCancelled})
	s.deliver(schema.RunEvent{EventType: schema.RunEventStarted})

	ev, err := getWithin(t, s)
	require.NoError(t, err)
	assert.Equal(t, schema.RunEventCancelled, ev.EventType)

	_, err = getWithin(t, s)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestStreamable_WaitsForProducer(t *testing.T) {
	s := newStreamable("run-a")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 10 {
			s.deliver(schema.RunEvent{EventType: schema.RunEventStarted})
			time.Sleep(time.Millisecond)
		}
		s.deliver(schema.RunEvent{EventType: schema.RunEventFinished})
	}()

	count := 0
	for ev, err := range s.Stream(context.Background()) {
		require.NoError(t, err)
		count++
		if ev.EventType.IsTerminal() {
			break
		}
	}
	wg.Wait()
	assert.Equal(t, 11, count)
}

func TestStreamable_CleanupRunsOnce(t *testing.T) {
	calls := 0
	s := newStreamable("run-a")
	s.onCleanup = func() { calls++ }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Get(ctx)
	assert.ErrorIs(t, err, ErrWaitCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = s.Get(ctx)
	assert.ErrorIs(t, err, ErrWaitCancelled)
	s.Close()

	assert.Equal(t, 1, calls)
}

func TestStreamable_StreamReportsCancellation(t *testing.T) {
	s := newStreamable("run-a")
	s.deliver(schema.RunEvent{EventType: schema.RunEventStarted})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var errs []error
	for _, err := range s.Stream(ctx) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cancel()
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrWaitCancelled)
}

func TestStreamable_DetachDrainsBuffer(t *testing.T) {
	s := newStreamable("run-a")
	s.deliver(schema.RunEvent{EventType: schema.RunEventStarted})
	s.detach()

	_, err := getWithin(t, s)
	require.NoError(t, err)
	_, err = getWithin(t, s)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}
