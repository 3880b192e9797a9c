package worker

import (
	"log/slog"
	"time"

	"github.com/rendis/relay/internal/backoff"
	"github.com/rendis/relay/internal/listener"
	"github.com/rendis/relay/internal/metrics"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/validation"
)

// Defaults for a Worker.
const (
	DefaultName            = "relay-worker"
	DefaultMaxRuns         = 100
	DefaultStartupRetries  = 5
	DefaultStartupInterval = 5 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultReportAttempts  = 3
	DefaultReportTimeout   = 10 * time.Second
	DefaultDedupSize       = 1024
)

type config struct {
	name    string
	maxRuns int
	labels  map[string]string

	logger    *slog.Logger
	metrics   *metrics.Collector
	journal   store.Journal
	validator validation.Validator

	listenerOpts []listener.Option
	poolOpts     []listener.Option

	startupRetries  int
	startupInterval time.Duration
	shutdownTimeout time.Duration

	reportAttempts int
	reportBackoff  backoff.Backoff
	reportTimeout  time.Duration

	dedupSize int
	exit      func(code int)
}

func defaultConfig() config {
	return config{
		name:            DefaultName,
		maxRuns:         DefaultMaxRuns,
		startupRetries:  DefaultStartupRetries,
		startupInterval: DefaultStartupInterval,
		shutdownTimeout: DefaultShutdownTimeout,
		reportAttempts:  DefaultReportAttempts,
		reportBackoff:   backoff.Reconnect,
		reportTimeout:   DefaultReportTimeout,
		dedupSize:       DefaultDedupSize,
	}
}

// Option configures a Worker.
type Option func(*config)

// WithName sets the name the worker registers under.
func WithName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.name = name
		}
	}
}

// WithMaxRuns bounds how many handlers run concurrently.
func WithMaxRuns(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxRuns = n
		}
	}
}

// WithLabels attaches labels to the worker registration.
func WithLabels(labels map[string]string) Option {
	return func(c *config) { c.labels = labels }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *config) { c.metrics = m }
}

// WithJournal records accepted step runs and their events in j, and
// settles runs left unsettled by a previous process on Start.
func WithJournal(j store.Journal) Option {
	return func(c *config) { c.journal = j }
}

// WithValidator checks payloads against the input schema each handler declares.
func WithValidator(v validation.Validator) Option {
	return func(c *config) { c.validator = v }
}

// WithListenerOptions configures the action listener.
func WithListenerOptions(opts ...listener.Option) Option {
	return func(c *config) { c.listenerOpts = append(c.listenerOpts, opts...) }
}

// WithRunEventOptions configures the pooled run-event listener.
func WithRunEventOptions(opts ...listener.Option) Option {
	return func(c *config) { c.poolOpts = append(c.poolOpts, opts...) }
}

// WithStartupRetry sets how often registration is retried on Start, and
// the fixed delay between attempts.
func WithStartupRetry(retries int, interval time.Duration) Option {
	return func(c *config) {
		if retries >= 0 {
			c.startupRetries = retries
		}
		if interval >= 0 {
			c.startupInterval = interval
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight step runs.
// Zero waits until Stop's context is done.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.shutdownTimeout = d
		}
	}
}

// WithReportRetry sets the attempts and backoff for reporting action events.
func WithReportRetry(attempts int, b backoff.Backoff) Option {
	return func(c *config) {
		if attempts > 0 {
			c.reportAttempts = attempts
		}
		c.reportBackoff = b
	}
}

// WithDedupSize sets how many settled step runs are remembered to drop
// redelivered actions.
func WithDedupSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.dedupSize = n
		}
	}
}

// WithExitOnStop calls exit with the process exit code once Stop completes.
func WithExitOnStop(exit func(code int)) Option {
	return func(c *config) { c.exit = exit }
}
