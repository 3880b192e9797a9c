package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Listener labels for reconnect counters.
const (
	ListenerActions   = "actions"
	ListenerRunEvents = "run_events"
)

// Collector holds the worker's Prometheus instruments. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	actionsReceived *prometheus.CounterVec
	actionsDropped  *prometheus.CounterVec
	stepRuns        *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	inflight        prometheus.Gauge
	reconnects      *prometheus.CounterVec
	subscriptions   prometheus.Gauge
	reportFailures  prometheus.Counter
}

// NewCollector creates a collector with its own registry, including Go
// runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		actionsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_actions_received_total",
			Help: "Actions received from the dispatcher, by action type.",
		}, []string{"action_type"}),
		actionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_actions_dropped_total",
			Help: "Actions dropped before execution, by reason.",
		}, []string{"reason"}),
		stepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_step_runs_total",
			Help: "Settled step runs, by final status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_step_run_duration_seconds",
			Help:    "Step run duration from dispatch to settle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"status"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_step_runs_inflight",
			Help: "Step runs currently executing.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_reconnects_total",
			Help: "Stream reconnect attempts, by listener.",
		}, []string{"listener"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_run_subscriptions",
			Help: "Active run-event subscriptions in the pool.",
		}),
		reportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_action_event_report_failures_total",
			Help: "Action events that could not be delivered after retries.",
		}),
	}
	reg.MustRegister(
		c.actionsReceived, c.actionsDropped, c.stepRuns, c.stepDuration,
		c.inflight, c.reconnects, c.subscriptions, c.reportFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ActionReceived(actionType string) {
	if c == nil {
		return
	}
	c.actionsReceived.WithLabelValues(actionType).Inc()
}

func (c *Collector) ActionDropped(reason string) {
	if c == nil {
		return
	}
	c.actionsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) StepRunStarted() {
	if c == nil {
		return
	}
	c.inflight.Inc()
}

func (c *Collector) StepRunSettled(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.inflight.Dec()
	c.stepRuns.WithLabelValues(status).Inc()
	c.stepDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (c *Collector) Reconnect(listener string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(listener).Inc()
}

func (c *Collector) SetSubscriptions(n int) {
	if c == nil {
		return
	}
	c.subscriptions.Set(float64(n))
}

func (c *Collector) ReportFailed() {
	if c == nil {
		return
	}
	c.reportFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
