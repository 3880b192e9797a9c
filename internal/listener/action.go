package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/relay/internal/backoff"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/metrics"
	"github.com/rendis/relay/internal/transport"
	"github.com/rendis/relay/pkg/schema"
)

// ErrListenerClosed is returned by Next once the listener has been closed
// or its stream was cancelled.
var ErrListenerClosed = errors.New("action listener closed")

// State is the connection state of an ActionListener.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateReconnecting
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// ActionListener turns the dispatcher's Listen stream into a sequence of
// actions that survives transient disconnects. After more than the
// configured number of consecutive failures it fails permanently.
//
// Next is meant to be driven by a single goroutine; Close, Unregister and
// State may be called from anywhere.
type ActionListener struct {
	session  transport.Session
	workerID string
	opts     options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	fatal error

	stream       transport.ActionStream
	streamCancel context.CancelFunc
	connectedAt  time.Time
	retries      int

	unregisterOnce sync.Once
}

// NewActionListener creates a listener for workerID. No connection is made
// until the first call to Next.
func NewActionListener(session transport.Session, workerID string, opts ...Option) *ActionListener {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ActionListener{
		session:  session,
		workerID: workerID,
		opts:     o,
		logger:   logging.OrDiscard(o.logger).With("component", "action_listener", "worker_id", workerID),
		ctx:      ctx,
		cancel:   cancel,
		state:    StateConnecting,
	}
}

// State returns the current connection state.
func (l *ActionListener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Retries returns the current consecutive-failure count.
func (l *ActionListener) Retries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retries
}

func (l *ActionListener) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		l.logger.Debug("listener state changed", "from", prev.String(), "to", s.String())
	}
}

// Next blocks until the next action arrives. It reconnects transparently on
// stream failures and returns ErrListenerClosed after Close or a cancelled
// stream. When retries are exhausted it returns a RETRY_EXHAUSTED error,
// and keeps returning it on every later call.
//
// The stream opened during a call is bound to that call's ctx.
func (l *ActionListener) Next(ctx context.Context) (*schema.Action, error) {
	for {
		if l.ctx.Err() != nil || ctx.Err() != nil {
			l.terminate()
		}

		switch l.State() {
		case StateTerminated:
			return nil, ErrListenerClosed

		case StateFailed:
			l.mu.Lock()
			err := l.fatal
			l.mu.Unlock()
			return nil, err

		case StateConnecting, StateReconnecting:
			if err := l.connect(ctx); err != nil {
				l.handleFailure(ctx, err)
			}

		case StateStreaming:
			a, err := l.stream.Recv()
			if err != nil {
				l.handleFailure(ctx, err)
				continue
			}
			l.mu.Lock()
			l.retries = 0
			l.mu.Unlock()
			return a, nil
		}
	}
}

func (l *ActionListener) connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.ctx, cancel)
	stream, err := l.session.Listen(streamCtx, l.workerID)
	if err != nil {
		stop()
		cancel()
		return err
	}
	l.stream = stream
	l.streamCancel = func() {
		stop()
		cancel()
	}
	l.connectedAt = time.Now()
	l.setState(StateStreaming)
	l.logger.Info("action stream connected")
	return nil
}

func (l *ActionListener) closeStream() {
	if l.streamCancel != nil {
		l.streamCancel()
		l.streamCancel = nil
	}
	l.stream = nil
}

func (l *ActionListener) handleFailure(ctx context.Context, err error) {
	l.closeStream()
	if transport.IsCancelled(err) || l.ctx.Err() != nil || ctx.Err() != nil {
		l.logger.Debug("action stream cancelled", "error", err)
		l.terminate()
		return
	}

	l.mu.Lock()
	// A connection that stayed up longer than one interval starts a fresh count.
	if !l.connectedAt.IsZero() && time.Since(l.connectedAt) > l.opts.retryInterval {
		l.retries = 0
	}
	l.connectedAt = time.Time{}
	l.retries++
	retries := l.retries
	l.mu.Unlock()

	if retries > l.opts.retryCount {
		fatal := schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"could not reach dispatcher after %d retries", l.opts.retryCount).WithCause(err)
		l.mu.Lock()
		l.fatal = fatal
		l.mu.Unlock()
		l.setState(StateFailed)
		l.logger.Error("action listener giving up", "retries", l.opts.retryCount, "error", err)
		return
	}

	l.logger.Warn("action stream failed, reconnecting",
		"attempt", retries,
		"max_retries", l.opts.retryCount,
		"interval", l.opts.retryInterval,
		"error", err,
	)
	l.opts.metrics.Reconnect(metrics.ListenerActions)
	l.setState(StateReconnecting)

	waitCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()
	if err := backoff.Sleep(waitCtx, l.opts.retryInterval); err != nil {
		l.terminate()
	}
}

func (l *ActionListener) terminate() {
	l.mu.Lock()
	if l.state == StateFailed || l.state == StateTerminated {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.closeStream()
	l.setState(StateTerminated)
}

// Close stops the listener. A blocked Next returns ErrListenerClosed.
func (l *ActionListener) Close() {
	l.cancel()
}

// Unregister tells the dispatcher to stop routing actions to this worker.
// It is sent at most once; failures are logged and otherwise ignored.
func (l *ActionListener) Unregister(ctx context.Context) {
	l.unregisterOnce.Do(func() {
		if err := l.session.Unsubscribe(ctx, l.workerID); err != nil {
			l.logger.Warn("unsubscribe failed", "error", err)
			return
		}
		l.logger.Info("worker unsubscribed")
	})
}
