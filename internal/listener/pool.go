package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/relay/internal/backoff"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/metrics"
	"github.com/rendis/relay/internal/transport"
	"github.com/rendis/relay/pkg/schema"
)

// PooledListener multiplexes run-event subscriptions for many runs over a
// single SubscribeToRunEvents stream. Subscribe never blocks on the network:
// requests are queued and written by a sender goroutine. On reconnect every
// registered run is subscribed again, so waiters survive stream failures.
//
// Each run has one subscription entry fanning out to any number of waiters.
// A waiter's cleanup only detaches that waiter; the run is dropped when its
// last waiter goes or its terminal event arrives.
type PooledListener struct {
	session transport.Session
	opts    options
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[string]map[*Streamable]struct{}
	pending  []string
	finished bool
	notify   chan struct{}

	done       chan struct{}
	finishOnce sync.Once
}

// NewPooledListener starts the pool's connection loop.
func NewPooledListener(session transport.Session, opts ...Option) *PooledListener {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &PooledListener{
		session: session,
		opts:    o,
		logger:  logging.OrDiscard(o.logger).With("component", "run_event_pool"),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]map[*Streamable]struct{}),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Subscribe registers interest in runID and returns a new waiter for it.
// Waiters on the same run share one dispatcher subscription but have their
// own queues, so each sees every event delivered after it joined. Once the
// pool has stopped, the returned waiter is already closed.
func (p *PooledListener) Subscribe(runID string) *Streamable {
	s := newStreamable(runID)
	s.onCleanup = func() { p.release(runID, s) }

	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		s.detach()
		return s
	}
	waiters, joined := p.subs[runID]
	if !joined {
		waiters = make(map[*Streamable]struct{})
		p.subs[runID] = waiters
		p.pending = append(p.pending, runID)
	}
	waiters[s] = struct{}{}
	n := len(p.subs)
	p.mu.Unlock()

	if joined {
		return s
	}
	p.opts.metrics.SetSubscriptions(n)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return s
}

// release detaches one waiter; the run goes with its last waiter.
func (p *PooledListener) release(runID string, s *Streamable) {
	p.mu.Lock()
	waiters, ok := p.subs[runID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if _, mine := waiters[s]; !mine {
		p.mu.Unlock()
		return
	}
	delete(waiters, s)
	if len(waiters) == 0 {
		delete(p.subs, runID)
	}
	n := len(p.subs)
	p.mu.Unlock()
	p.opts.metrics.SetSubscriptions(n)
}

// Waiters returns the number of live waiters on runID.
func (p *PooledListener) Waiters(runID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[runID])
}

// Len returns the number of runs with live subscriptions.
func (p *PooledListener) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Done is closed when the pool has stopped for good.
func (p *PooledListener) Done() <-chan struct{} { return p.done }

// Close stops the pool and waits for its loop to exit. Waiters still
// registered are closed.
func (p *PooledListener) Close() {
	p.cancel()
	<-p.done
}

func (p *PooledListener) run() {
	defer p.finish()

	attempt := 0
	for {
		if p.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			if p.opts.maxRetries > 0 && attempt > p.opts.maxRetries {
				p.logger.Error("run event stream retries exhausted", "max_retries", p.opts.maxRetries)
				return
			}
			wait := p.opts.backoff.Wait(attempt)
			p.opts.metrics.Reconnect(metrics.ListenerRunEvents)
			if err := backoff.Sleep(p.ctx, wait); err != nil {
				return
			}
		}

		connectedAt := time.Now()
		received, err := p.serve()
		if p.ctx.Err() != nil {
			return
		}
		if received || time.Since(connectedAt) > p.opts.backoff.Max {
			attempt = 0
		}
		attempt++
		p.logger.Warn("run event stream failed, reconnecting",
			"attempt", attempt,
			"wait", p.opts.backoff.Wait(attempt),
			"error", err,
		)
	}
}

// serve runs one connection until it fails. It reports whether any event
// was received.
func (p *PooledListener) serve() (bool, error) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	stream, err := p.session.SubscribeToRunEvents(ctx)
	if err != nil {
		return false, err
	}

	// Everything registered is replayed, so queued requests are redundant.
	p.mu.Lock()
	p.pending = nil
	runIDs := make([]string, 0, len(p.subs))
	for id := range p.subs {
		runIDs = append(runIDs, id)
	}
	p.mu.Unlock()

	for _, id := range runIDs {
		if err := stream.Send(&schema.SubscribeRequest{RunID: id}); err != nil {
			return false, err
		}
	}
	if len(runIDs) > 0 {
		p.logger.Info("run subscriptions replayed", "count", len(runIDs))
	}

	senderDone := make(chan struct{})
	go p.forward(ctx, cancel, stream, senderDone)
	defer func() {
		cancel()
		<-senderDone
	}()

	received := false
	for {
		ev, err := stream.Recv()
		if err != nil {
			return received, err
		}
		received = true
		p.dispatch(ev)
	}
}

// forward writes queued subscribe requests to the stream.
func (p *PooledListener) forward(ctx context.Context, cancel context.CancelFunc, stream transport.RunEventStream, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		}

		p.mu.Lock()
		ids := p.pending
		p.pending = nil
		p.mu.Unlock()

		for _, id := range ids {
			if err := stream.Send(&schema.SubscribeRequest{RunID: id}); err != nil {
				// Unsent requests are covered by the replay on reconnect.
				p.logger.Debug("subscribe send failed", "run_id", id, "error", err)
				cancel()
				return
			}
		}
	}
}

func (p *PooledListener) dispatch(ev *schema.RunEvent) {
	terminal := ev.EventType.IsTerminal()
	p.mu.Lock()
	waiters, ok := p.subs[ev.RunID]
	targets := make([]*Streamable, 0, len(waiters))
	for s := range waiters {
		targets = append(targets, s)
	}
	if ok && terminal {
		delete(p.subs, ev.RunID)
	}
	n := len(p.subs)
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("run event without subscriber", "run_id", ev.RunID, "event_type", ev.EventType)
		return
	}
	for _, s := range targets {
		s.deliver(*ev)
	}
	if terminal {
		p.opts.metrics.SetSubscriptions(n)
	}
}

func (p *PooledListener) finish() {
	p.finishOnce.Do(func() {
		p.mu.Lock()
		p.finished = true
		subs := p.subs
		p.subs = make(map[string]map[*Streamable]struct{})
		p.pending = nil
		p.mu.Unlock()

		open := 0
		for _, waiters := range subs {
			for s := range waiters {
				s.detach()
				open++
			}
		}
		p.opts.metrics.SetSubscriptions(0)
		close(p.done)
		if p.opts.onFinish != nil {
			p.opts.onFinish()
		}
		p.logger.Info("run event pool stopped", "open_waiters", open)
	})
}
