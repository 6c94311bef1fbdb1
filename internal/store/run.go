package store

import (
	"context"
	"time"
)

type Run struct {
	RunID     string     `json:"run_id" param:"run_id"`
	Workflow  string     `json:"workflow"`
	Event     string     `json:"event"`
	Ref       string     `json:"ref"`
	SHA       string     `json:"sha"`
	Status    string     `json:"status"`
	Error     *string    `json:"error,omitempty"`
	CreatedOn time.Time  `json:"created_on"`
	StartedOn *time.Time `json:"started_on,omitempty"`
	EndedOn   *time.Time `json:"ended_on,omitempty"`
}

type JobRun struct {
	RunID      string     `json:"-"`
	JobKey     string     `json:"job_key"`
	JobID      string     `json:"job_id"`
	Name       string     `json:"name"`
	RunsOn     string     `json:"runs_on"`
	Status     string     `json:"status"`
	Conclusion string     `json:"conclusion"`
	Output     *string    `json:"output,omitempty"`
	Error      *string    `json:"error,omitempty"`
	StartedOn  *time.Time `json:"started_on,omitempty"`
	EndedOn    *time.Time `json:"ended_on,omitempty"`
}

type StepRun struct {
	RunID      string     `json:"-"`
	JobKey     string     `json:"-"`
	StepIndex  int        `json:"index"`
	StepID     string     `json:"id,omitempty"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Conclusion string     `json:"conclusion"`
	ExitCode   int        `json:"exit_code"`
	Output     *string    `json:"output,omitempty"`
	Error      *string    `json:"error,omitempty"`
	StartedOn  *time.Time `json:"started_on,omitempty"`
	EndedOn    *time.Time `json:"ended_on,omitempty"`
}

type RunStore interface {
	CreateRun(ctx context.Context, r *Run) error
	ReadRunByID(ctx context.Context, runID string) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID, status string, runErr *string, startedOn, endedOn *time.Time) error
	ListRuns(ctx context.Context, workflow string, limit, offset int64) ([]Run, error)
	CountRuns(ctx context.Context, workflow string) (int64, error)
	DeleteRun(ctx context.Context, runID string) error
	DeleteRunsEndedBefore(ctx context.Context, t time.Time) (int64, error)
	CancelUnfinishedRuns(ctx context.Context, reason string) (int64, error)

	UpsertJobRun(ctx context.Context, jr *JobRun) error
	ListJobRuns(ctx context.Context, runID string) ([]JobRun, error)
	UpsertStepRun(ctx context.Context, sr *StepRun) error
	ListStepRuns(ctx context.Context, runID string) ([]StepRun, error)
}
