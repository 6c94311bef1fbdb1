// Package engine runs a workflow: it starts jobs as their needs settle,
// decides which dependents run or are skipped, and reports the outcome of
// the whole run.
package engine

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haatos/runflow/internal/dag"
	"github.com/haatos/runflow/internal/env"
	"github.com/haatos/runflow/internal/executor"
	"github.com/haatos/runflow/internal/log"
	"github.com/haatos/runflow/internal/workflow"
)

// JobExecutor runs a single job instance. *executor.JobRunner implements it.
type JobExecutor interface {
	Run(ctx context.Context, jr executor.JobRun) *executor.JobResult
}

type Engine struct {
	Executor JobExecutor
	// Reporter is told about jobs that finish without being started.
	Reporter executor.Reporter
	// MaxParallel bounds the number of jobs running at once. Zero means
	// no bound.
	MaxParallel int
}

type Run struct {
	ID       string
	Workflow *workflow.Workflow
	Event    workflow.Event
	Inputs   map[string]string
	// Jobs restricts the run to these job ids and the jobs they need.
	Jobs []string
	// Output, when set, returns the writer a job instance streams its
	// output to.
	Output func(job *workflow.Job) io.Writer
}

type Result struct {
	RunID     string
	Workflow  string
	Status    workflow.Status
	Jobs      []*executor.JobResult
	StartedAt time.Time
	EndedAt   time.Time
}

// Job returns the results of every instance of the job with id.
func (r *Result) Job(id string) []*executor.JobResult {
	var out []*executor.JobResult
	for _, j := range r.Jobs {
		if j.ID == id {
			out = append(out, j)
		}
	}
	return out
}

// group tracks the instances of one job.
type group struct {
	job       *workflow.Job
	instances []*workflow.Job
	results   []*executor.JobResult
	queued    []int
	running   int
	finished  int
}

func (g *group) done() bool {
	return g.finished == len(g.results)
}

// outcome folds the instance results: any failure fails the job, then any
// cancellation cancels it.
func (g *group) outcome() workflow.Status {
	status := workflow.StatusSucceeded
	for _, r := range g.results {
		if r == nil {
			continue
		}
		switch r.Conclusion {
		case workflow.StatusFailed:
			return workflow.StatusFailed
		case workflow.StatusCancelled:
			status = workflow.StatusCancelled
		case workflow.StatusSkipped:
			if status == workflow.StatusSucceeded {
				status = workflow.StatusSkipped
			}
		}
	}
	return status
}

func (g *group) outputs() map[string]string {
	out := make(map[string]string)
	for _, r := range g.results {
		if r == nil {
			continue
		}
		for k, v := range r.Outputs {
			out[k] = v
		}
	}
	return out
}

type finished struct {
	id    string
	index int
	res   *executor.JobResult
}

// scheduler is the state of one Execute call. It is only touched by the
// goroutine running Execute; job goroutines report back over results.
type scheduler struct {
	e       *Engine
	run     Run
	tracker *dag.Tracker
	groups  map[string]*group
	order   []string
	// pending holds job ids with queued instances in admission order.
	pending []string
	running int
	results chan finished
	eg      *errgroup.Group
}

// Execute runs the workflow and blocks until every job reached a terminal
// status. It fails without running anything when the needs graph is cyclic
// or a matrix cannot be expanded.
func (e *Engine) Execute(ctx context.Context, run Run) (*Result, error) {
	wf, err := selectJobs(run.Workflow, run.Jobs)
	if err != nil {
		return nil, err
	}
	run.Workflow = wf
	tracker, err := dag.NewTracker(wf.Graph())
	if err != nil {
		return nil, err
	}

	s := &scheduler{
		e:       e,
		run:     run,
		tracker: tracker,
		groups:  make(map[string]*group, len(wf.Jobs)),
		eg:      &errgroup.Group{},
	}
	total := 0
	for _, job := range wf.Jobs {
		instances, err := job.Instances()
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", job.ID, err)
		}
		s.groups[job.ID] = &group{
			job:       job,
			instances: instances,
			results:   make([]*executor.JobResult, len(instances)),
		}
		s.order = append(s.order, job.ID)
		total += len(instances)
	}
	s.results = make(chan finished, total)

	logger := log.FromContext(ctx).With("run", run.ID, "workflow", wf.Name)
	logger.Info("run started", "jobs", len(wf.Jobs))
	result := &Result{RunID: run.ID, Workflow: wf.Name, StartedAt: time.Now().UTC()}

	if err := s.settle(ctx, tracker.Roots()); err != nil {
		return nil, err
	}
	for {
		if err := s.schedule(ctx); err != nil {
			return nil, err
		}
		if s.running == 0 {
			break
		}
		f := <-s.results
		s.running--
		g := s.groups[f.id]
		g.running--
		if err := s.finish(ctx, g, f.index, f.res); err != nil {
			return nil, err
		}
	}
	_ = s.eg.Wait()

	for _, id := range s.order {
		g := s.groups[id]
		for _, r := range g.results {
			if r != nil {
				result.Jobs = append(result.Jobs, r)
			}
		}
	}
	result.Status = workflowStatus(ctx, result.Jobs)
	result.EndedAt = time.Now().UTC()
	logger.Info("run finished", "status", result.Status, "duration", result.EndedAt.Sub(result.StartedAt))
	return result, nil
}

func workflowStatus(ctx context.Context, jobs []*executor.JobResult) workflow.Status {
	cancelled := ctx.Err() != nil
	for _, j := range jobs {
		switch j.Conclusion {
		case workflow.StatusFailed:
			return workflow.StatusFailed
		case workflow.StatusCancelled:
			cancelled = true
		}
	}
	if cancelled {
		return workflow.StatusCancelled
	}
	return workflow.StatusSucceeded
}

// settle decides for each job whose needs are all terminal whether it is
// queued, skipped or cancelled. Skipping a job settles its dependents in
// turn, so the cascade is handled by the work list.
func (s *scheduler) settle(ctx context.Context, ids []string) error {
	work := slices.Clone(ids)
	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		g := s.groups[id]

		var status workflow.Status
		switch {
		case ctx.Err() != nil:
			status = workflow.StatusCancelled
		case !g.job.If.Evaluate(s.conditionState(id)):
			status = workflow.StatusSkipped
		default:
			for i := range g.instances {
				g.queued = append(g.queued, i)
			}
			s.pending = append(s.pending, id)
			continue
		}

		res := s.notStarted(g, status)
		g.results = []*executor.JobResult{res}
		g.finished = 1
		log.FromContext(ctx).Info("job not started", "run", s.run.ID, "job", id, "status", status)
		s.reporter().JobStatus(ctx, s.run.ID, res)
		next, err := s.tracker.Complete(id, string(status))
		if err != nil {
			return err
		}
		work = append(work, next...)
	}
	return nil
}

func (s *scheduler) conditionState(id string) workflow.ConditionState {
	var st workflow.ConditionState
	for _, outcome := range s.tracker.Outcomes(id) {
		switch workflow.Status(outcome) {
		case workflow.StatusFailed:
			st.Failed = true
		case workflow.StatusSkipped:
			st.Skipped = true
		case workflow.StatusCancelled:
			st.Cancelled = true
		}
	}
	return st
}

func (s *scheduler) notStarted(g *group, status workflow.Status) *executor.JobResult {
	now := time.Now().UTC()
	name := g.job.Name
	if name == "" {
		name = g.job.ID
	}
	return &executor.JobResult{
		Key:        g.job.ID,
		ID:         g.job.ID,
		Name:       name,
		RunsOn:     g.job.RunsOn,
		Status:     status,
		Conclusion: status,
		StartedAt:  now,
		EndedAt:    now,
	}
}

func (s *scheduler) reporter() executor.Reporter {
	if s.e.Reporter == nil {
		return executor.NopReporter{}
	}
	return s.e.Reporter
}

// schedule starts queued instances while the global and per-job limits
// allow. Once ctx is cancelled queued instances are cancelled instead.
func (s *scheduler) schedule(ctx context.Context) error {
	for i := 0; i < len(s.pending); {
		id := s.pending[i]
		g := s.groups[id]
		for len(g.queued) > 0 {
			index := g.queued[0]
			if ctx.Err() != nil {
				g.queued = g.queued[1:]
				res := s.cancelledInstance(g, index)
				s.reporter().JobStatus(ctx, s.run.ID, res)
				if err := s.finish(ctx, g, index, res); err != nil {
					return err
				}
				continue
			}
			if s.e.MaxParallel > 0 && s.running >= s.e.MaxParallel {
				return nil
			}
			if limit := g.job.MaxParallel(); limit > 0 && g.running >= limit {
				break
			}
			g.queued = g.queued[1:]
			s.start(ctx, g, index)
		}
		if len(g.queued) == 0 {
			s.pending = slices.Delete(s.pending, i, i+1)
			continue
		}
		i++
	}
	return nil
}

func (s *scheduler) cancelledInstance(g *group, index int) *executor.JobResult {
	res := s.notStarted(g, workflow.StatusCancelled)
	res.Key = g.instances[index].Key
	res.Name = g.instances[index].DisplayName()
	return res
}

func (s *scheduler) start(ctx context.Context, g *group, index int) {
	instance := g.instances[index]
	jr := executor.JobRun{
		RunID:    s.run.ID,
		Workflow: s.run.Workflow,
		Job:      instance,
		Event:    s.run.Event,
		Inputs:   s.run.Inputs,
		Needs:    s.needs(instance),
	}
	if s.run.Output != nil {
		jr.Output = s.run.Output(instance)
	}
	s.running++
	g.running++
	id := g.job.ID
	s.eg.Go(func() error {
		s.results <- finished{id: id, index: index, res: s.e.Executor.Run(ctx, jr)}
		return nil
	})
}

func (s *scheduler) needs(job *workflow.Job) map[string]env.NeedState {
	needs := make(map[string]env.NeedState, len(job.Needs))
	for _, need := range job.Needs {
		g := s.groups[need]
		needs[need] = env.NeedState{Result: string(g.outcome()), Outputs: g.outputs()}
	}
	return needs
}

// finish records an instance result. A failed instance of a fail-fast
// matrix cancels its queued siblings; the last instance completes the job
// in the tracker and settles its dependents.
func (s *scheduler) finish(ctx context.Context, g *group, index int, res *executor.JobResult) error {
	g.results[index] = res
	g.finished++

	if res.Conclusion == workflow.StatusFailed && g.job.HasMatrix() && g.job.FailFast() {
		queued := g.queued
		g.queued = nil
		for _, i := range queued {
			g.results[i] = s.cancelledInstance(g, i)
			g.finished++
			s.reporter().JobStatus(ctx, s.run.ID, g.results[i])
		}
	}

	if !g.done() {
		return nil
	}
	next, err := s.tracker.Complete(g.job.ID, string(g.outcome()))
	if err != nil {
		return err
	}
	return s.settle(ctx, next)
}

// selectJobs narrows wf to the jobs in ids and everything they need.
func selectJobs(wf *workflow.Workflow, ids []string) (*workflow.Workflow, error) {
	if len(ids) == 0 {
		return wf, nil
	}
	keep := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if keep[id] {
			return nil
		}
		job, ok := wf.Job(id)
		if !ok {
			return fmt.Errorf("workflow %s has no job %q", wf.Name, id)
		}
		keep[id] = true
		for _, need := range job.Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	selected := *wf
	selected.Jobs = nil
	for _, job := range wf.Jobs {
		if keep[job.ID] {
			selected.Jobs = append(selected.Jobs, job)
		}
	}
	return &selected, nil
}
