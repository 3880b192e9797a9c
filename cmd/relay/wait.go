package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/relay/internal/listener"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/transport"
	"github.com/rendis/relay/pkg/schema"
)

func newWaitCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Print a run's events as JSON lines until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			session, err := transport.Dial(cfg.DispatcherAddress)
			if err != nil {
				return err
			}
			defer session.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return waitForRun(ctx, session, args[0], cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits indefinitely)")
	cmd.Flags().String("dispatcher", "", "dispatcher address (host:port)")
	return cmd
}

// waitForRun streams runID's events to out, one JSON object per line. It
// returns an error if the run did not finish successfully.
func waitForRun(ctx context.Context, session transport.Session, runID string, out io.Writer, logger *slog.Logger) error {
	pool := listener.NewPooledListener(session, listener.WithLogger(logger))
	defer pool.Close()

	enc := json.NewEncoder(out)
	var last schema.RunEventType
	for ev, err := range pool.Subscribe(runID).Stream(ctx) {
		if err != nil {
			if errors.Is(err, listener.ErrWaitCancelled) {
				return fmt.Errorf("stopped waiting for run %s: %w", runID, err)
			}
			return fmt.Errorf("run %s: %w", runID, err)
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		last = ev.EventType
	}

	switch last {
	case schema.RunEventCompleted, schema.RunEventFinished:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeExecution, "run %s ended with %s", runID, last)
	}
}
