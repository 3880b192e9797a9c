package store

import "github.com/rendis/relay/pkg/schema"

// ReplayStatus derives a step run's status from its reported events, in
// sequence order. A gap in the sequence is a STORE_ERROR. With no events the
// step run is still dispatched.
func ReplayStatus(stepRunID string, events []*Event) (schema.StepRunStatus, error) {
	status := schema.StepRunDispatched
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return "", schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in step run %s: expected %d, got %d", stepRunID, want, e.Sequence).
				WithStepRun(stepRunID)
		}
		switch e.Type {
		case schema.ActionEventStarted:
			if status == schema.StepRunDispatched {
				status = schema.StepRunRunning
			}
		case schema.ActionEventCompleted:
			status = schema.StepRunSucceeded
		case schema.ActionEventFailed:
			status = schema.StepRunFailed
		}
		if status.IsTerminal() {
			break
		}
	}
	return status, nil
}

// LastTerminal returns the last Completed or Failed event in events.
func LastTerminal(events []*Event) (*Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type.IsTerminal() {
			return events[i], true
		}
	}
	return nil, false
}
