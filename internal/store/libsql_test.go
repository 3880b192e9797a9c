package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/relay/pkg/schema"
)

func newTestJournal(t *testing.T) *LibSQLJournal {
	t.Helper()
	j, err := NewLibSQLJournal("file:" + filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	require.NoError(t, j.Migrate(context.Background()))
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func newAction() *schema.Action {
	return &schema.Action{
		TenantID:   "tenant",
		JobID:      "job",
		JobRunID:   "job-run",
		StepID:     "step",
		StepRunID:  uuid.NewString(),
		ActionID:   "x",
		ActionType: schema.ActionTypeStart,
		Payload:    json.RawMessage(`{"n":1}`),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.Migrate(context.Background()))

	v, err := schemaVersion(context.Background(), j.db)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestLoadMigrations_Ordered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 1, ms[0].version)
	assert.Equal(t, "journal", ms[0].name)
	assert.Equal(t, 2, ms[1].version)
	assert.Equal(t, "list_indexes", ms[1].name)
}

func TestRecordDispatched(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	a := newAction()

	require.NoError(t, j.RecordDispatched(ctx, "w1", a))

	got, err := j.GetStepRun(ctx, a.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Equal(t, "tenant", got.TenantID)
	assert.Equal(t, schema.StepRunDispatched, got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.Nil(t, got.SettledAt)
	assert.Equal(t, a.StepRunID, got.Action().StepRunID)

	err = j.RecordDispatched(ctx, "w1", a)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = j.RecordDispatched(ctx, "w1", &schema.Action{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGetStepRun_NotFound(t *testing.T) {
	j := newTestJournal(t)
	_, err := j.GetStepRun(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestUpdateStatus_Transitions(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	a := newAction()
	require.NoError(t, j.RecordDispatched(ctx, "w1", a))

	require.NoError(t, j.UpdateStatus(ctx, a.StepRunID, schema.StepRunRunning, ""))
	require.NoError(t, j.UpdateStatus(ctx, a.StepRunID, schema.StepRunFailed, "boom"))

	got, err := j.GetStepRun(ctx, a.StepRunID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.SettledAt)

	err = j.UpdateStatus(ctx, a.StepRunID, schema.StepRunSucceeded, "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))

	err = j.UpdateStatus(ctx, "missing", schema.StepRunRunning, "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestListUnsettled(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	dispatched, running, done := newAction(), newAction(), newAction()
	for _, a := range []*schema.Action{dispatched, running, done} {
		require.NoError(t, j.RecordDispatched(ctx, "w1", a))
	}
	require.NoError(t, j.UpdateStatus(ctx, running.StepRunID, schema.StepRunRunning, ""))
	require.NoError(t, j.UpdateStatus(ctx, done.StepRunID, schema.StepRunRunning, ""))
	require.NoError(t, j.UpdateStatus(ctx, done.StepRunID, schema.StepRunSucceeded, ""))

	runs, err := j.ListUnsettled(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.StepRunID)
	}
	assert.ElementsMatch(t, []string{dispatched.StepRunID, running.StepRunID}, ids)
}

func TestListStepRuns_Filter(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	a, b := newAction(), newAction()
	b.ActionID = "y"
	require.NoError(t, j.RecordDispatched(ctx, "w1", a))
	require.NoError(t, j.RecordDispatched(ctx, "w1", b))
	require.NoError(t, j.UpdateStatus(ctx, b.StepRunID, schema.StepRunRunning, ""))

	all, err := j.ListStepRuns(ctx, StepRunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running := schema.StepRunRunning
	got, err := j.ListStepRuns(ctx, StepRunFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.StepRunID, got[0].StepRunID)

	got, err = j.ListStepRuns(ctx, StepRunFilter{ActionID: "x", Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.StepRunID, got[0].StepRunID)
}

func TestAppendEvent_Sequences(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	a := newAction()
	require.NoError(t, j.RecordDispatched(ctx, "w1", a))

	require.NoError(t, j.AppendEvent(ctx, schema.NewActionEvent("w1", a, schema.ActionEventStarted, nil)))
	require.NoError(t, j.AppendEvent(ctx, schema.NewActionEvent("w1", a, schema.ActionEventCompleted, json.RawMessage(`{"result":1}`))))

	events, err := j.GetEvents(ctx, a.StepRunID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, schema.ActionEventStarted, events[0].Type)
	assert.Equal(t, int64(2), events[1].Sequence)
	assert.JSONEq(t, `{"result":1}`, string(events[1].Payload))

	status, err := ReplayStatus(a.StepRunID, events)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunSucceeded, status)
}

func TestPrune(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	settled, open := newAction(), newAction()
	require.NoError(t, j.RecordDispatched(ctx, "w1", settled))
	require.NoError(t, j.RecordDispatched(ctx, "w1", open))
	require.NoError(t, j.AppendEvent(ctx, schema.NewActionEvent("w1", settled, schema.ActionEventFailed, nil)))
	require.NoError(t, j.UpdateStatus(ctx, settled.StepRunID, schema.StepRunFailed, "boom"))

	n, err := j.Prune(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = j.Prune(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = j.GetStepRun(ctx, settled.StepRunID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	events, err := j.GetEvents(ctx, settled.StepRunID)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = j.GetStepRun(ctx, open.StepRunID)
	assert.NoError(t, err)
}

func TestReplayStatus(t *testing.T) {
	status, err := ReplayStatus("sr", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunDispatched, status)

	status, err = ReplayStatus("sr", []*Event{{Sequence: 1, Type: schema.ActionEventStarted}})
	require.NoError(t, err)
	assert.Equal(t, schema.StepRunRunning, status)

	_, err = ReplayStatus("sr", []*Event{{Sequence: 1, Type: schema.ActionEventStarted}, {Sequence: 3, Type: schema.ActionEventFailed}})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}

func TestLastTerminal(t *testing.T) {
	_, ok := LastTerminal([]*Event{{Sequence: 1, Type: schema.ActionEventStarted}})
	assert.False(t, ok)

	ev, ok := LastTerminal([]*Event{
		{Sequence: 1, Type: schema.ActionEventStarted},
		{Sequence: 2, Type: schema.ActionEventFailed, Payload: json.RawMessage(`{"error":"boom"}`)},
	})
	require.True(t, ok)
	assert.Equal(t, int64(2), ev.Sequence)
	assert.JSONEq(t, `{"error":"boom"}`, string(ev.Payload))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment;\nCREATE TABLE b (y INT);")
	assert.Equal(t, []string{"-- header\nCREATE TABLE a (x INT)", "CREATE TABLE b (y INT)"}, stmts)
}
