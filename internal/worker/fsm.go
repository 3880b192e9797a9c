package worker

import (
	"sync"

	"github.com/rendis/relay/pkg/schema"
)

// TransitionHook observes a step-run status change after it is applied.
// reason is the failure message for Failed and Cancelled, empty otherwise.
type TransitionHook func(stepRunID string, from, to schema.StepRunStatus, reason string)

// stepRunFSM guards the status of one step run against invalid moves.
// Transitions and their hooks are serialized, so hooks observe moves in
// the order they were applied.
type stepRunFSM struct {
	seq sync.Mutex

	mu        sync.Mutex
	stepRunID string
	status    schema.StepRunStatus
	after     []TransitionHook
}

func newStepRunFSM(stepRunID string, hooks ...TransitionHook) *stepRunFSM {
	return &stepRunFSM{stepRunID: stepRunID, status: schema.StepRunDispatched, after: hooks}
}

func (f *stepRunFSM) Status() schema.StepRunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Transition applies to if it is a valid next state and runs the hooks.
func (f *stepRunFSM) Transition(to schema.StepRunStatus, reason string) error {
	f.seq.Lock()
	defer f.seq.Unlock()

	f.mu.Lock()
	from := f.status
	if !schema.CanTransition(from, to) {
		f.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step run transition: %s -> %s", from, to).WithStepRun(f.stepRunID)
	}
	f.status = to
	f.mu.Unlock()

	for _, h := range f.after {
		h(f.stepRunID, from, to, reason)
	}
	return nil
}
