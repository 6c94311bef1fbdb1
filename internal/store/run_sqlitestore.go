package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/haatos/runflow/internal"
)

type RunSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewRunSQLiteStore(rdb, rwdb *sql.DB) *RunSQLiteStore {
	return &RunSQLiteStore{rdb, rwdb}
}

func formatTimestamp(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(internal.DBTimestampLayout)
	return &s
}

func (store *RunSQLiteStore) CreateRun(ctx context.Context, r *Run) error {
	if r.CreatedOn.IsZero() {
		r.CreatedOn = time.Now().UTC()
	}
	query := `insert into runs (
		run_id,
		workflow,
		event,
		ref,
		sha,
		status,
		created_on
	)
	values ($1, $2, $3, $4, $5, $6, $7)`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		r.RunID, r.Workflow, r.Event, r.Ref, r.SHA, r.Status, formatTimestamp(&r.CreatedOn),
	)
	return err
}

func (store *RunSQLiteStore) ReadRunByID(ctx context.Context, runID string) (*Run, error) {
	r := &Run{RunID: runID}
	query := "select * from runs where run_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, r, query, r.RunID); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateRunStatus sets the status of a run. Timestamps that are nil keep
// their stored value.
func (store *RunSQLiteStore) UpdateRunStatus(
	ctx context.Context,
	runID, status string,
	runErr *string,
	startedOn, endedOn *time.Time,
) error {
	query := `update runs
	set status = $1,
		error = coalesce($2, error),
		started_on = coalesce($3, started_on),
		ended_on = coalesce($4, ended_on)
	where run_id = $5`
	res, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		runErr,
		formatTimestamp(startedOn),
		formatTimestamp(endedOn),
		runID,
	)
	if err != nil {
		return err
	}
	return expectRows(res)
}

func (store *RunSQLiteStore) ListRuns(
	ctx context.Context,
	workflow string,
	limit, offset int64,
) ([]Run, error) {
	query := `select * from runs
	where ($1 = '' or workflow = $1)
	order by created_on desc, rowid desc
	limit $2 offset $3`
	runs := make([]Run, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, workflow, limit, offset)
	return runs, err
}

func (store *RunSQLiteStore) CountRuns(ctx context.Context, workflow string) (int64, error) {
	var count int64
	query := `select count(*) from runs where ($1 = '' or workflow = $1)`
	err := sqlscan.Get(ctx, store.rdb, &count, query, workflow)
	return count, err
}

func (store *RunSQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	query := "delete from runs where run_id = $1"
	_, err := store.rwdb.ExecContext(ctx, query, runID)
	return err
}

// DeleteRunsEndedBefore removes finished runs older than t along with their
// jobs and steps.
func (store *RunSQLiteStore) DeleteRunsEndedBefore(ctx context.Context, t time.Time) (int64, error) {
	query := "delete from runs where ended_on is not null and ended_on < $1"
	res, err := store.rwdb.ExecContext(ctx, query, formatTimestamp(&t))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelUnfinishedRuns marks runs left queued or running by a previous
// process as cancelled.
func (store *RunSQLiteStore) CancelUnfinishedRuns(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC()
	query := `update runs
	set status = 'cancelled',
		error = $1,
		ended_on = $2
	where ended_on is null`
	res, err := store.rwdb.ExecContext(ctx, query, reason, formatTimestamp(&now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (store *RunSQLiteStore) UpsertJobRun(ctx context.Context, jr *JobRun) error {
	query := `insert into job_runs (
		run_id,
		job_key,
		job_id,
		name,
		runs_on,
		status,
		conclusion,
		output,
		error,
		started_on,
		ended_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	on conflict (run_id, job_key) do update
	set status = excluded.status,
		conclusion = excluded.conclusion,
		output = coalesce(excluded.output, output),
		error = coalesce(excluded.error, error),
		started_on = coalesce(excluded.started_on, started_on),
		ended_on = coalesce(excluded.ended_on, ended_on)`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		jr.RunID,
		jr.JobKey,
		jr.JobID,
		jr.Name,
		jr.RunsOn,
		jr.Status,
		jr.Conclusion,
		jr.Output,
		jr.Error,
		formatTimestamp(jr.StartedOn),
		formatTimestamp(jr.EndedOn),
	)
	return err
}

func (store *RunSQLiteStore) ListJobRuns(ctx context.Context, runID string) ([]JobRun, error) {
	query := `select * from job_runs
	where run_id = $1
	order by started_on, rowid`
	jobs := make([]JobRun, 0)
	err := sqlscan.Select(ctx, store.rdb, &jobs, query, runID)
	return jobs, err
}

func (store *RunSQLiteStore) UpsertStepRun(ctx context.Context, sr *StepRun) error {
	query := `insert into step_runs (
		run_id,
		job_key,
		step_index,
		step_id,
		name,
		status,
		conclusion,
		exit_code,
		output,
		error,
		started_on,
		ended_on
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	on conflict (run_id, job_key, step_index) do update
	set status = excluded.status,
		conclusion = excluded.conclusion,
		exit_code = excluded.exit_code,
		output = coalesce(excluded.output, output),
		error = coalesce(excluded.error, error),
		started_on = coalesce(excluded.started_on, started_on),
		ended_on = coalesce(excluded.ended_on, ended_on)`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		sr.RunID,
		sr.JobKey,
		sr.StepIndex,
		sr.StepID,
		sr.Name,
		sr.Status,
		sr.Conclusion,
		sr.ExitCode,
		sr.Output,
		sr.Error,
		formatTimestamp(sr.StartedOn),
		formatTimestamp(sr.EndedOn),
	)
	return err
}

func (store *RunSQLiteStore) ListStepRuns(ctx context.Context, runID string) ([]StepRun, error) {
	query := `select * from step_runs
	where run_id = $1
	order by job_key, step_index`
	steps := make([]StepRun, 0)
	err := sqlscan.Select(ctx, store.rdb, &steps, query, runID)
	return steps, err
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
