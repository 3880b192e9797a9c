package listener

import (
	"log/slog"
	"time"

	"github.com/rendis/relay/internal/backoff"
	"github.com/rendis/relay/internal/metrics"
)

const (
	// DefaultActionListenerRetryCount bounds consecutive reconnects of the action stream.
	DefaultActionListenerRetryCount = 5
	// DefaultActionListenerRetryInterval is the fixed wait between action stream reconnects.
	DefaultActionListenerRetryInterval = 5 * time.Second
)

type options struct {
	logger        *slog.Logger
	metrics       *metrics.Collector
	retryCount    int
	retryInterval time.Duration
	backoff       backoff.Backoff
	maxRetries    int
	onFinish      func()
}

func defaultOptions() options {
	return options{
		retryCount:    DefaultActionListenerRetryCount,
		retryInterval: DefaultActionListenerRetryInterval,
		backoff:       backoff.Reconnect,
	}
}

// Option configures an ActionListener or a PooledListener.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records reconnects and subscription counts on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithRetryCount bounds the action listener's consecutive reconnects.
func WithRetryCount(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.retryCount = n
		}
	}
}

// WithRetryInterval sets the action listener's wait between reconnects.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryInterval = d
		}
	}
}

// WithBackoff sets the pooled listener's reconnect policy.
func WithBackoff(b backoff.Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithMaxRetries caps the pooled listener's consecutive reconnects.
// Zero, the default, retries for the life of the process.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithOnFinish registers a hook run once when the pooled listener stops for good.
func WithOnFinish(fn func()) Option {
	return func(o *options) { o.onFinish = fn }
}
