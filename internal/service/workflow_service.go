package service

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/haatos/runflow/internal/log"
	"github.com/haatos/runflow/internal/store"
	"github.com/haatos/runflow/internal/workflow"
)

type RunReader interface {
	ReadRunByID(ctx context.Context, runID string) (*store.Run, error)
	ListRuns(ctx context.Context, workflow string, limit, offset int64) ([]store.Run, error)
	CountRuns(ctx context.Context, workflow string) (int64, error)
	ListJobRuns(ctx context.Context, runID string) ([]store.JobRun, error)
	ListStepRuns(ctx context.Context, runID string) ([]store.StepRun, error)
}

type RunStore interface {
	RunReader
	CreateRun(ctx context.Context, r *store.Run) error
	DeleteRun(ctx context.Context, runID string) error
}

type RunEnqueuer interface {
	Enqueue(qr *QueuedRun) error
	CancelRun(runID string) bool
}

type (
	RunDetails struct {
		store.Run
		Jobs []JobDetails `json:"jobs"`
	}

	JobDetails struct {
		store.JobRun
		Steps []store.StepRun `json:"steps"`
	}
)

// WorkflowService owns the workflow definitions loaded from a directory and
// turns events into queued runs.
type WorkflowService struct {
	dir       string
	runStore  RunStore
	queue     RunEnqueuer
	scheduler gocron.Scheduler
	pageSize  int64
	logger    *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	cronJobs  []uuid.UUID
}

func NewWorkflowService(
	dir string,
	runStore RunStore,
	queue RunEnqueuer,
	scheduler gocron.Scheduler,
	pageSize int64,
) *WorkflowService {
	return &WorkflowService{
		dir:       dir,
		runStore:  runStore,
		queue:     queue,
		scheduler: scheduler,
		pageSize:  pageSize,
		logger:    log.New("workflows"),
		workflows: make(map[string]*workflow.Workflow),
	}
}

// Load reads every workflow in the directory and replaces the current set.
// Schedule triggers are registered with the scheduler. On error the current
// set and its schedules are kept.
func (s *WorkflowService) Load() error {
	workflows, err := workflow.LoadDir(s.dir)
	if err != nil {
		return err
	}
	byName := make(map[string]*workflow.Workflow, len(workflows))
	for _, wf := range workflows {
		byName[wf.Name] = wf
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cronJobs, err := s.scheduleWorkflows(byName)
	if err != nil {
		return err
	}
	s.removeJobs(s.cronJobs)
	s.workflows = byName
	s.cronJobs = cronJobs
	s.logger.Info("workflows loaded", "dir", s.dir, "count", len(workflows))
	return nil
}

// scheduleWorkflows registers the schedule triggers of workflows. When one
// fails, the jobs already registered by this call are removed again.
func (s *WorkflowService) scheduleWorkflows(workflows map[string]*workflow.Workflow) ([]uuid.UUID, error) {
	if s.scheduler == nil {
		return nil, nil
	}
	var ids []uuid.UUID
	for _, wf := range workflows {
		trigger, ok := wf.Trigger(workflow.EventSchedule)
		if !ok {
			continue
		}
		for _, expr := range trigger.Cron {
			name, cron := wf.Name, expr
			job, err := s.scheduler.NewJob(
				gocron.CronJob(cron, false),
				gocron.NewTask(func() {
					s.runScheduled(name, cron)
				}),
				gocron.WithName(name+" "+cron),
			)
			if err != nil {
				s.removeJobs(ids)
				return nil, fmt.Errorf("error scheduling workflow %s: %w", name, err)
			}
			ids = append(ids, job.ID())
		}
	}
	return ids, nil
}

func (s *WorkflowService) removeJobs(ids []uuid.UUID) {
	if s.scheduler == nil {
		return
	}
	for _, id := range ids {
		if err := s.scheduler.RemoveJob(id); err != nil {
			s.logger.Warn("unable to remove scheduled job", "id", id, "error", err)
		}
	}
}

// runScheduled starts the named workflow only, so workflows sharing a cron
// expression each get exactly one run.
func (s *WorkflowService) runScheduled(name, cron string) {
	wf, err := s.GetWorkflow(name)
	if err != nil {
		s.logger.Warn("scheduled workflow is gone", "workflow", name)
		return
	}
	ev := workflow.Event{Name: workflow.EventSchedule, Cron: cron}
	if _, err := s.startRun(context.Background(), wf, ev, nil); err != nil {
		s.logger.Error("scheduled run not started", "workflow", name, "error", err)
	}
}

func (s *WorkflowService) ListWorkflows() []*workflow.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workflows := make([]*workflow.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		workflows = append(workflows, wf)
	}
	slices.SortFunc(workflows, func(a, b *workflow.Workflow) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return workflows
}

func (s *WorkflowService) GetWorkflow(name string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[name]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf, nil
}

// Trigger queues a run of every workflow whose triggers match ev. Runs
// queued before an error are returned along with it.
func (s *WorkflowService) Trigger(ctx context.Context, ev workflow.Event) ([]*store.Run, error) {
	runs := make([]*store.Run, 0)
	for _, wf := range s.ListWorkflows() {
		if !wf.Match(ev) {
			continue
		}
		r, err := s.startRun(ctx, wf, ev, nil)
		if err != nil {
			return runs, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// Dispatch queues a manual run of the named workflow at ref.
func (s *WorkflowService) Dispatch(
	ctx context.Context,
	name, ref string,
	inputs map[string]string,
) (*store.Run, error) {
	wf, err := s.GetWorkflow(name)
	if err != nil {
		return nil, err
	}
	if _, ok := wf.Trigger(workflow.EventWorkflowDispatch); !ok {
		return nil, ErrDispatchNotEnabled
	}
	resolved, err := wf.ResolveInputs(inputs)
	if err != nil {
		return nil, &InputError{Err: err}
	}
	ev := workflow.Event{Name: workflow.EventWorkflowDispatch, Ref: ref, Inputs: resolved}
	return s.startRun(ctx, wf, ev, resolved)
}

func (s *WorkflowService) startRun(
	ctx context.Context,
	wf *workflow.Workflow,
	ev workflow.Event,
	inputs map[string]string,
) (*store.Run, error) {
	r := &store.Run{
		RunID:    uuid.NewString(),
		Workflow: wf.Name,
		Event:    ev.Name,
		Ref:      ev.Ref,
		SHA:      ev.SHA,
		Status:   string(workflow.StatusPending),
	}
	if err := s.runStore.CreateRun(ctx, r); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(&QueuedRun{Run: r, Workflow: wf, Event: ev, Inputs: inputs}); err != nil {
		if delErr := s.runStore.DeleteRun(context.WithoutCancel(ctx), r.RunID); delErr != nil {
			return nil, errors.Join(err, delErr)
		}
		return nil, err
	}
	s.logger.Info("run queued", "run", r.RunID, "workflow", wf.Name, "event", ev.Name)
	return r, nil
}

func (s *WorkflowService) GetRun(ctx context.Context, runID string) (*RunDetails, error) {
	r, err := s.runStore.ReadRunByID(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	jobs, err := s.runStore.ListJobRuns(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.runStore.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, err
	}

	details := &RunDetails{Run: *r, Jobs: make([]JobDetails, 0, len(jobs))}
	for _, j := range jobs {
		jd := JobDetails{JobRun: j, Steps: make([]store.StepRun, 0)}
		for _, st := range steps {
			if st.JobKey == j.JobKey {
				jd.Steps = append(jd.Steps, st)
			}
		}
		details.Jobs = append(details.Jobs, jd)
	}
	return details, nil
}

// ListRuns returns one page of runs, newest first, and the total number of
// runs. An empty workflow lists runs of every workflow. Pages start at 1.
func (s *WorkflowService) ListRuns(
	ctx context.Context,
	workflowName string,
	page int64,
) ([]store.Run, int64, error) {
	page = max(page, 1)
	runs, err := s.runStore.ListRuns(ctx, workflowName, s.pageSize, (page-1)*s.pageSize)
	if err != nil {
		return nil, 0, err
	}
	count, err := s.runStore.CountRuns(ctx, workflowName)
	if err != nil {
		return nil, 0, err
	}
	return runs, count, nil
}

func (s *WorkflowService) CancelRun(ctx context.Context, runID string) error {
	if _, err := s.runStore.ReadRunByID(ctx, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRunNotFound
		}
		return err
	}
	if !s.queue.CancelRun(runID) {
		return ErrRunNotActive
	}
	s.logger.Info("run cancelled", "run", runID)
	return nil
}
