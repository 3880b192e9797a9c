package store

import (
	"context"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

// Journal is the worker's durable record of accepted step runs. It lets a
// restarted worker settle runs that were in flight when it stopped.
// Implementations must be safe for concurrent use.
type Journal interface {
	// RecordDispatched stores a newly accepted step run. A step run already
	// present yields a CONFLICT error.
	RecordDispatched(ctx context.Context, workerID string, a *schema.Action) error
	// UpdateStatus moves a step run to status, validating the transition.
	UpdateStatus(ctx context.Context, stepRunID string, status schema.StepRunStatus, errMsg string) error
	AppendEvent(ctx context.Context, ev *schema.ActionEvent) error

	GetStepRun(ctx context.Context, stepRunID string) (*StepRun, error)
	ListStepRuns(ctx context.Context, filter StepRunFilter) ([]*StepRun, error)
	// ListUnsettled returns step runs not yet in a terminal state.
	ListUnsettled(ctx context.Context) ([]*StepRun, error)
	GetEvents(ctx context.Context, stepRunID string) ([]*Event, error)

	// Prune deletes step runs settled before cutoff, with their events.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)

	Migrate(ctx context.Context) error
	Close() error
}
