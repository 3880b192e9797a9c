package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/relay/internal/actions"
	"github.com/rendis/relay/internal/listener"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/metrics"
	"github.com/rendis/relay/internal/scheduler"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/transport"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/internal/worker"
	"github.com/rendis/relay/pkg/mcp"
)

// stopGrace is added to the shutdown timeout to bound Stop itself.
const stopGrace = 5 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the worker until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}
	registerFlags(cmd.Flags())
	return cmd
}

func newValidator() (*validation.JSONSchemaValidator, error) {
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	return v, nil
}

func newBuiltinRegistry(v validation.Validator) (*actions.Registry, error) {
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, v); err != nil {
		return nil, fmt.Errorf("register builtin handlers: %w", err)
	}
	return reg, nil
}

// workerOptions translates cfg into worker options.
func workerOptions(cfg Config, logger *slog.Logger, collector *metrics.Collector, v validation.Validator) []worker.Option {
	return []worker.Option{
		worker.WithName(cfg.WorkerName),
		worker.WithMaxRuns(cfg.MaxRuns),
		worker.WithLabels(cfg.Labels),
		worker.WithLogger(logger),
		worker.WithMetrics(collector),
		worker.WithValidator(v),
		worker.WithStartupRetry(cfg.StartupRetries, cfg.StartupInterval.Std()),
		worker.WithShutdownTimeout(cfg.ShutdownTimeout.Std()),
		worker.WithListenerOptions(
			listener.WithRetryCount(cfg.ListenerRetryCount),
			listener.WithRetryInterval(cfg.ListenerRetryInterval.Std()),
		),
	}
}

func runWorker(ctx context.Context, cfg Config) error {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	v, err := newValidator()
	if err != nil {
		return err
	}
	reg, err := newBuiltinRegistry(v)
	if err != nil {
		return err
	}

	session, err := transport.Dial(cfg.DispatcherAddress)
	if err != nil {
		return err
	}
	defer session.Close()
	return serveWorker(ctx, cfg, logger, session, reg, v)
}

// serveWorker runs a worker on session with the metrics endpoint, journal
// pruning and MCP server cfg enables. It returns once the worker has
// stopped, either because ctx is done or its action stream closed.
func serveWorker(ctx context.Context, cfg Config, logger *slog.Logger, session transport.Session,
	reg *actions.Registry, v validation.Validator) error {
	collector := metrics.NewCollector()
	opts := workerOptions(cfg, logger, collector, v)

	var journal *store.LibSQLJournal
	if cfg.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			return fmt.Errorf("create journal directory: %w", err)
		}
		var err error
		journal, err = store.NewLibSQLJournal(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer journal.Close()
		if err := journal.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, worker.WithJournal(journal))
	}

	w, err := worker.New(session, reg, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	// A nil return from Start does not cancel gctx; runCtx ends the group then.
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	g.Go(func() error {
		defer cancel()
		return w.Start(runCtx)
	})
	g.Go(func() error {
		<-runCtx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std()+stopGrace)
		defer cancel()
		return w.Stop(stopCtx)
	})

	if cfg.MetricsAddress != "" {
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddress)
			return collector.Serve(runCtx, cfg.MetricsAddress)
		})
	}

	if journal != nil {
		sched, err := scheduler.NewScheduler(journal, cfg.PruneSchedule, cfg.JournalRetention.Std(), logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Run(runCtx)
		})
	}

	if cfg.MCP.Enabled {
		srv := mcp.NewRelayServer(mcp.RelayServerDeps{
			Runtime:     w,
			Registry:    reg,
			WaitTimeout: cfg.MCP.WaitTimeout.Std(),
			Logger:      logger,
		})
		g.Go(func() error {
			return srv.Serve(runCtx)
		})
	}

	logger.Info("relay worker starting",
		"dispatcher", cfg.DispatcherAddress, "name", cfg.WorkerName, "handlers", reg.Count())
	return g.Wait()
}
