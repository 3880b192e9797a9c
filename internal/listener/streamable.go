package listener

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/rendis/relay/pkg/schema"
)

var (
	// ErrWaitCancelled is returned when the caller's context ends a wait.
	ErrWaitCancelled = errors.New("run event wait cancelled")
	// ErrSubscriptionClosed is returned once a waiter has nothing more to deliver.
	ErrSubscriptionClosed = errors.New("run event subscription closed")
)

// Streamable buffers the run events for one subscription and hands them to
// a consumer one at a time. Events are never dropped: a producer can deliver
// any number before the consumer asks.
type Streamable struct {
	runID     string
	onCleanup func()

	mu       sync.Mutex
	queue    []schema.RunEvent
	finished bool
	detached bool
	released bool
	notify   chan struct{}

	cleaned atomic.Bool
}

func newStreamable(runID string) *Streamable {
	return &Streamable{runID: runID, notify: make(chan struct{}, 1)}
}

// RunID returns the run this waiter follows.
func (s *Streamable) RunID() string { return s.runID }

func (s *Streamable) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// deliver enqueues ev. Events arriving after the terminal one or after
// cleanup are discarded.
func (s *Streamable) deliver(ev schema.RunEvent) {
	s.mu.Lock()
	if s.finished || s.released {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if ev.EventType.IsTerminal() {
		s.finished = true
	}
	s.mu.Unlock()
	s.signal()
}

// detach marks the producer gone. Buffered events remain readable.
func (s *Streamable) detach() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
	s.signal()
}

// Get returns the next event for the run. It fails with ErrWaitCancelled
// when ctx is done, running cleanup once, and with ErrSubscriptionClosed
// after cleanup or once the terminal event and everything before it has
// been consumed.
func (s *Streamable) Get(ctx context.Context) (schema.RunEvent, error) {
	if err := ctx.Err(); err != nil {
		s.Close()
		return schema.RunEvent{}, fmt.Errorf("%w: %w", ErrWaitCancelled, err)
	}
	for {
		s.mu.Lock()
		if s.released {
			s.mu.Unlock()
			return schema.RunEvent{}, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = schema.RunEvent{}
			s.queue = s.queue[1:]
			more := len(s.queue) > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return ev, nil
		}
		if s.finished || s.detached {
			s.mu.Unlock()
			return schema.RunEvent{}, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			s.Close()
			return schema.RunEvent{}, fmt.Errorf("%w: %w", ErrWaitCancelled, ctx.Err())
		}
	}
}

// Stream yields events until the terminal one. A wait failure is yielded
// as the final element. The waiter is cleaned up however the iteration
// ends, including a consumer breaking out early.
func (s *Streamable) Stream(ctx context.Context) iter.Seq2[schema.RunEvent, error] {
	return func(yield func(schema.RunEvent, error) bool) {
		defer s.Close()
		for {
			ev, err := s.Get(ctx)
			if err != nil {
				yield(schema.RunEvent{}, err)
				return
			}
			if !yield(ev, nil) || ev.EventType.IsTerminal() {
				return
			}
		}
	}
}

// Close releases the waiter and removes it from its pool. Safe to call
// more than once.
func (s *Streamable) Close() {
	if !s.cleaned.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.released = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
	if s.onCleanup != nil {
		s.onCleanup()
	}
}
