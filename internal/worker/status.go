package worker

import (
	"sort"
	"time"

	"github.com/rendis/relay/internal/listener"
	"github.com/rendis/relay/pkg/schema"
)

// Status is a point-in-time snapshot of a worker.
type Status struct {
	WorkerID      string        `json:"worker_id"`
	Name          string        `json:"name"`
	Killing       bool          `json:"killing"`
	ListenerState string        `json:"listener_state"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	Handlers      []string      `json:"handlers"`
	Inflight      []InflightRun `json:"inflight"`
	Subscriptions int           `json:"subscriptions"`
	Pool          PoolStats     `json:"pool"`
}

// InflightRun describes a step run currently held by the worker.
type InflightRun struct {
	StepRunID string               `json:"step_run_id"`
	ActionID  string               `json:"action_id"`
	JobRunID  string               `json:"job_run_id"`
	Status    schema.StepRunStatus `json:"status"`
	StartedAt time.Time            `json:"started_at"`
}

// Status returns a snapshot of the worker's state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	s := Status{
		WorkerID: w.workerID,
		Name:     w.cfg.name,
		Killing:  w.killing,
		Inflight: make([]InflightRun, 0, len(w.inflight)),
	}
	if w.started {
		at := w.startedAt
		s.StartedAt = &at
	}
	s.ListenerState = listener.StateConnecting.String()
	if w.listener != nil {
		s.ListenerState = w.listener.State().String()
	}
	if w.runEvents != nil {
		s.Subscriptions = w.runEvents.Len()
	}
	tasks := make([]*task, 0, len(w.inflight))
	for _, t := range w.inflight {
		tasks = append(tasks, t)
	}
	w.mu.Unlock()

	for _, t := range tasks {
		s.Inflight = append(s.Inflight, InflightRun{
			StepRunID: t.action.StepRunID,
			ActionID:  t.action.ActionID,
			JobRunID:  t.action.JobRunID,
			Status:    t.fsm.Status(),
			StartedAt: t.startedAt,
		})
	}
	sort.Slice(s.Inflight, func(i, j int) bool {
		return s.Inflight[i].StartedAt.Before(s.Inflight[j].StartedAt)
	})
	s.Handlers = w.registry.Names()
	s.Pool = w.pool.Stats()
	return s
}
