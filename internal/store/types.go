package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

// StepRun is the journaled state of one step run.
type StepRun struct {
	StepRunID     string               `json:"step_run_id"`
	WorkerID      string               `json:"worker_id"`
	TenantID      string               `json:"tenant_id,omitempty"`
	JobID         string               `json:"job_id"`
	JobRunID      string               `json:"job_run_id"`
	StepID        string               `json:"step_id"`
	ActionID      string               `json:"action_id"`
	WorkflowRunID string               `json:"workflow_run_id,omitempty"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	Status        schema.StepRunStatus `json:"status"`
	Error         string               `json:"error,omitempty"`
	DispatchedAt  time.Time            `json:"dispatched_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	SettledAt     *time.Time           `json:"settled_at,omitempty"`
}

// Action rebuilds the action the step run was accepted from.
func (r *StepRun) Action() *schema.Action {
	return &schema.Action{
		TenantID:      r.TenantID,
		JobID:         r.JobID,
		JobRunID:      r.JobRunID,
		StepID:        r.StepID,
		StepRunID:     r.StepRunID,
		ActionID:      r.ActionID,
		ActionType:    schema.ActionTypeStart,
		Payload:       r.Payload,
		WorkflowRunID: r.WorkflowRunID,
	}
}

// Event is an action event reported for a step run.
type Event struct {
	ID        int64                  `json:"id"`
	StepRunID string                 `json:"step_run_id"`
	Type      schema.ActionEventType `json:"event_type"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Sequence  int64                  `json:"sequence"`
}

// StepRunFilter narrows ListStepRuns.
type StepRunFilter struct {
	Status   *schema.StepRunStatus
	ActionID string
	Since    *time.Time
	Limit    int
}
