package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/relay/pkg/schema"
)

// LibSQLJournal implements Journal on an embedded libSQL database.
type LibSQLJournal struct {
	db *sql.DB
}

// NewLibSQLJournal opens the database at dbPath, a file URI such as
// "file:/var/lib/relay/journal.db".
func NewLibSQLJournal(dbPath string) (*LibSQLJournal, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, hence QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLJournal{db: db}, nil
}

func (j *LibSQLJournal) Close() error { return j.db.Close() }

func (j *LibSQLJournal) Migrate(ctx context.Context) error {
	return runMigrations(ctx, j.db)
}

func (j *LibSQLJournal) RecordDispatched(ctx context.Context, workerID string, a *schema.Action) error {
	if a == nil || a.StepRunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "action has no step run id")
	}
	now := time.Now().UTC()
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO step_runs (step_run_id, worker_id, tenant_id, job_id, job_run_id, step_id, action_id,
		   workflow_run_id, payload, status, dispatched_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(step_run_id) DO NOTHING`,
		a.StepRunID, workerID, nullStr(a.TenantID), a.JobID, a.JobRunID, a.StepID, a.ActionID,
		nullStr(a.WorkflowRunID), nullRaw(a.Payload), string(schema.StepRunDispatched), now, now,
	)
	if err != nil {
		return storeError("record step run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError("record step run", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "step run %q already journaled", a.StepRunID).
			WithStepRun(a.StepRunID)
	}
	return nil
}

func (j *LibSQLJournal) UpdateStatus(ctx context.Context, stepRunID string, status schema.StepRunStatus, errMsg string) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin status update", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM step_runs WHERE step_run_id = ?`, stepRunID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(stepRunID)
	}
	if err != nil {
		return storeError("read step run status", err)
	}

	from := schema.StepRunStatus(current)
	if !schema.CanTransition(from, status) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step run cannot move from %s to %s", from, status).WithStepRun(stepRunID)
	}

	now := time.Now().UTC()
	var settled any
	if status.IsTerminal() {
		settled = now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE step_runs SET status = ?, error = COALESCE(?, error), updated_at = ?, settled_at = COALESCE(?, settled_at)
		 WHERE step_run_id = ?`,
		string(status), nullStr(errMsg), now, settled, stepRunID,
	); err != nil {
		return storeError("update step run status", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit status update", err)
	}
	return nil
}

// AppendEvent stores ev with the next per-step-run sequence number.
func (j *LibSQLJournal) AppendEvent(ctx context.Context, ev *schema.ActionEvent) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin append event", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM step_run_events WHERE step_run_id = ?`, ev.StepRunID,
	).Scan(&seq); err != nil {
		return storeError("next event sequence", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO step_run_events (step_run_id, event_type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?)`,
		ev.StepRunID, string(ev.EventType), nullRaw(ev.Payload), timeOrNow(ev.Timestamp), seq,
	); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key") {
			return notFound(ev.StepRunID)
		}
		return storeError("insert event", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit event", err)
	}
	return nil
}

const stepRunColumns = `step_run_id, worker_id, tenant_id, job_id, job_run_id, step_id, action_id,
	workflow_run_id, payload, status, error, dispatched_at, updated_at, settled_at`

func (j *LibSQLJournal) GetStepRun(ctx context.Context, stepRunID string) (*StepRun, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+stepRunColumns+` FROM step_runs WHERE step_run_id = ?`, stepRunID)
	if err != nil {
		return nil, storeError("get step run", err)
	}
	runs, err := scanStepRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, notFound(stepRunID)
	}
	return runs[0], nil
}

func (j *LibSQLJournal) ListStepRuns(ctx context.Context, filter StepRunFilter) ([]*StepRun, error) {
	query := `SELECT ` + stepRunColumns + ` FROM step_runs`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ActionID != "" {
		where = append(where, "action_id = ?")
		args = append(args, filter.ActionID)
	}
	if filter.Since != nil {
		where = append(where, "dispatched_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY dispatched_at ASC, step_run_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list step runs", err)
	}
	return scanStepRuns(rows)
}

func (j *LibSQLJournal) ListUnsettled(ctx context.Context) ([]*StepRun, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+stepRunColumns+` FROM step_runs WHERE status IN (?, ?) ORDER BY dispatched_at ASC, step_run_id ASC`,
		string(schema.StepRunDispatched), string(schema.StepRunRunning),
	)
	if err != nil {
		return nil, storeError("list unsettled step runs", err)
	}
	return scanStepRuns(rows)
}

func (j *LibSQLJournal) GetEvents(ctx context.Context, stepRunID string) ([]*Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, step_run_id, event_type, payload, timestamp, sequence
		 FROM step_run_events WHERE step_run_id = ? ORDER BY sequence ASC`, stepRunID,
	)
	if err != nil {
		return nil, storeError("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var typ string
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.StepRunID, &typ, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeError("scan event", err)
		}
		e.Type = schema.ActionEventType(typ)
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (j *LibSQLJournal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin prune", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM step_run_events WHERE step_run_id IN (
		   SELECT step_run_id FROM step_runs WHERE settled_at IS NOT NULL AND settled_at < ?)`, cutoff.UTC(),
	); err != nil {
		return 0, storeError("prune events", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM step_runs WHERE settled_at IS NOT NULL AND settled_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, storeError("prune step runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("prune step runs", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeError("commit prune", err)
	}
	return n, nil
}

func scanStepRuns(rows *sql.Rows) ([]*StepRun, error) {
	defer rows.Close()

	var runs []*StepRun
	for rows.Next() {
		r := &StepRun{}
		var tenant, workflowRun, payload, errMsg sql.NullString
		var status string
		var settled sql.NullTime
		if err := rows.Scan(&r.StepRunID, &r.WorkerID, &tenant, &r.JobID, &r.JobRunID, &r.StepID, &r.ActionID,
			&workflowRun, &payload, &status, &errMsg, &r.DispatchedAt, &r.UpdatedAt, &settled); err != nil {
			return nil, storeError("scan step run", err)
		}
		r.TenantID = tenant.String
		r.WorkflowRunID = workflowRun.String
		r.Payload = rawOrNil(payload)
		r.Status = schema.StepRunStatus(status)
		r.Error = errMsg.String
		if settled.Valid {
			r.SettledAt = &settled.Time
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("iterate step runs", err)
	}
	return runs, nil
}

func notFound(stepRunID string) *schema.RelayError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "step run %q not found", stepRunID).WithStepRun(stepRunID)
}

func storeError(op string, err error) *schema.RelayError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Journal = (*LibSQLJournal)(nil)
