package worker

import (
	"context"
	"encoding/json"

	"github.com/rendis/relay/internal/backoff"
	"github.com/rendis/relay/internal/transport"
	"github.com/rendis/relay/pkg/schema"
)

// report sends one action event, retrying transient transport failures.
// Delivered events are appended to the journal.
func (w *Worker) report(a *schema.Action, typ schema.ActionEventType, payload json.RawMessage) error {
	ev := schema.NewActionEvent(w.WorkerID(), a, typ, payload)
	log := w.logger.With("step_run_id", a.StepRunID, "event_type", typ)

	var err error
	for attempt := 1; attempt <= w.cfg.reportAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.reportTimeout)
		err = w.session.ReportActionEvent(ctx, ev)
		cancel()
		if err == nil {
			w.journalEvent(ev)
			return nil
		}
		if !transport.IsTransient(err) || attempt == w.cfg.reportAttempts {
			break
		}
		log.Debug("report action event failed, retrying", "attempt", attempt, "error", err)
		_ = backoff.Sleep(context.Background(), w.cfg.reportBackoff.Wait(attempt))
	}

	w.cfg.metrics.ReportFailed()
	log.Error("report action event failed", "error", err)
	return err
}

func (w *Worker) journalEvent(ev *schema.ActionEvent) {
	j := w.cfg.journal
	if j == nil {
		return
	}
	if err := j.AppendEvent(context.Background(), ev); err != nil {
		w.logger.Warn("journal event failed", "step_run_id", ev.StepRunID, "error", err)
	}
}
