package schema

import "encoding/json"

// RunEventType enumerates run lifecycle notifications.
type RunEventType string

const (
	RunEventStarted   RunEventType = "started"
	RunEventCompleted RunEventType = "completed"
	RunEventFailed    RunEventType = "failed"
	RunEventCancelled RunEventType = "cancelled"
	RunEventTimedOut  RunEventType = "timed_out"
	RunEventFinished  RunEventType = "finished"
)

// IsTerminal reports whether the event closes the subscription for its run.
// TimedOut is informational: the dispatcher follows it with Failed or Finished.
func (t RunEventType) IsTerminal() bool {
	switch t {
	case RunEventFinished, RunEventCompleted, RunEventFailed, RunEventCancelled:
		return true
	}
	return false
}

// RunEvent is a lifecycle notification for a run, correlated by RunID.
type RunEvent struct {
	RunID     string          `json:"run_id"`
	EventType RunEventType    `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SubscribeRequest asks the dispatcher to stream events for a run.
type SubscribeRequest struct {
	RunID string `json:"run_id"`
}

// StepRunStatus represents the lifecycle state of a step run on this worker.
type StepRunStatus string

const (
	StepRunDispatched StepRunStatus = "dispatched"
	StepRunRunning    StepRunStatus = "running"
	StepRunSucceeded  StepRunStatus = "succeeded"
	StepRunFailed     StepRunStatus = "failed"
	StepRunCancelled  StepRunStatus = "cancelled"
)

// ValidStepRunTransitions lists the allowed next states for each step-run state.
var ValidStepRunTransitions = map[StepRunStatus][]StepRunStatus{
	StepRunDispatched: {StepRunRunning, StepRunFailed, StepRunCancelled},
	StepRunRunning:    {StepRunSucceeded, StepRunFailed, StepRunCancelled},
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s StepRunStatus) IsTerminal() bool {
	_, ok := ValidStepRunTransitions[s]
	return !ok
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to StepRunStatus) bool {
	for _, a := range ValidStepRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
