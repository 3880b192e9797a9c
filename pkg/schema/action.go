package schema

import (
	"encoding/json"
	"time"
)

// ActionType distinguishes start and cancel instructions.
type ActionType string

const (
	ActionTypeStart  ActionType = "start"
	ActionTypeCancel ActionType = "cancel"
)

// Action is a unit of work assigned to a worker by the dispatcher.
// StepRunID is the correlation key for cancellation.
type Action struct {
	TenantID      string          `json:"tenant_id"`
	JobID         string          `json:"job_id"`
	JobRunID      string          `json:"job_run_id"`
	StepID        string          `json:"step_id"`
	StepRunID     string          `json:"step_run_id"`
	ActionID      string          `json:"action_id"`
	ActionType    ActionType      `json:"action_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	WorkflowRunID string          `json:"workflow_run_id,omitempty"`
	GroupKeyRunID string          `json:"group_key_run_id,omitempty"`
}

// ActionEventType enumerates step-run lifecycle reports.
type ActionEventType string

const (
	ActionEventStarted   ActionEventType = "started"
	ActionEventCompleted ActionEventType = "completed"
	ActionEventFailed    ActionEventType = "failed"
)

// IsTerminal reports whether the event type closes a step run.
func (t ActionEventType) IsTerminal() bool {
	return t == ActionEventCompleted || t == ActionEventFailed
}

// ActionEvent is sent by the worker for each step-run transition.
type ActionEvent struct {
	WorkerID  string          `json:"worker_id"`
	JobID     string          `json:"job_id"`
	JobRunID  string          `json:"job_run_id"`
	StepID    string          `json:"step_id"`
	StepRunID string          `json:"step_run_id"`
	ActionID  string          `json:"action_id"`
	EventType ActionEventType `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewActionEvent builds an event for the given action, stamped with the current time.
func NewActionEvent(workerID string, a *Action, typ ActionEventType, payload json.RawMessage) *ActionEvent {
	return &ActionEvent{
		WorkerID:  workerID,
		JobID:     a.JobID,
		JobRunID:  a.JobRunID,
		StepID:    a.StepID,
		StepRunID: a.StepRunID,
		ActionID:  a.ActionID,
		EventType: typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WorkerRegistration announces a worker and the actions it can execute.
type WorkerRegistration struct {
	WorkerName string            `json:"worker_name"`
	Actions    []string          `json:"actions"`
	MaxRuns    int               `json:"max_runs,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// WorkerRegistered is the dispatcher's reply to a registration.
type WorkerRegistered struct {
	WorkerID string `json:"worker_id"`
}

// ListenRequest opens the action stream for a worker.
type ListenRequest struct {
	WorkerID string `json:"worker_id"`
}

// UnsubscribeRequest deregisters a worker's action stream.
type UnsubscribeRequest struct {
	WorkerID string `json:"worker_id"`
}

// Ack is the empty acknowledgement of unary calls.
type Ack struct{}
