package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haatos/runflow/internal/action"
	"github.com/haatos/runflow/internal/env"
	"github.com/haatos/runflow/internal/log"
	"github.com/haatos/runflow/internal/secrets"
	"github.com/haatos/runflow/internal/shell"
	"github.com/haatos/runflow/internal/workflow"
)

const DefaultStepTimeout = 6 * time.Hour

// StepExecutionError reports a step whose process exited with a non-zero
// code.
type StepExecutionError struct {
	Job      string
	Step     string
	ExitCode int
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("job %s: step %q exited with code %d", e.Job, e.Step, e.ExitCode)
}

type (
	StepResult struct {
		Index      int
		ID         string
		Name       string
		Status     workflow.Status
		Conclusion workflow.Status
		ExitCode   int
		Output     string
		Outputs    map[string]string
		Err        error
		StartedAt  time.Time
		EndedAt    time.Time
	}

	JobResult struct {
		// Key identifies the matrix instance; it equals ID without a matrix.
		Key        string
		ID         string
		Name       string
		RunsOn     []string
		Status     workflow.Status
		Conclusion workflow.Status
		Steps      []*StepResult
		Output     string
		Outputs    map[string]string
		Err        error
		StartedAt  time.Time
		EndedAt    time.Time
	}

	// JobRun is one job instance to execute.
	JobRun struct {
		RunID    string
		Workflow *workflow.Workflow
		Job      *workflow.Job
		Event    workflow.Event
		Inputs   map[string]string
		Needs    map[string]env.NeedState
		// Output receives the job's masked output as it is produced.
		Output io.Writer
	}
)

// Reporter is told about job and step status changes as they happen.
type Reporter interface {
	JobStatus(ctx context.Context, runID string, res *JobResult)
	StepStatus(ctx context.Context, runID string, job *JobResult, res *StepResult)
}

type NopReporter struct{}

func (NopReporter) JobStatus(context.Context, string, *JobResult)               {}
func (NopReporter) StepStatus(context.Context, string, *JobResult, *StepResult) {}

// JobRunner executes the steps of a single job in a workspace supplied by
// Provisioner.
type JobRunner struct {
	Provisioner Provisioner
	Actions     *action.Registry
	Secrets     secrets.Store
	Masker      *secrets.Masker
	Reporter    Reporter
	// StepTimeout applies to steps without timeout-minutes.
	StepTimeout time.Duration
}

func (r *JobRunner) reporter() Reporter {
	if r.Reporter == nil {
		return NopReporter{}
	}
	return r.Reporter
}

func (r *JobRunner) stepTimeout(step *workflow.Step) time.Duration {
	if step.TimeoutMinutes > 0 {
		return minutes(step.TimeoutMinutes)
	}
	if r.StepTimeout > 0 {
		return r.StepTimeout
	}
	return DefaultStepTimeout
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// jobState is what a running job accumulates between steps.
type jobState struct {
	run      JobRun
	result   *JobResult
	ws       Workspace
	ectx     *env.Context
	base     env.Vars
	exported env.Vars
	output   *lockedBuffer
	sink     *secrets.MaskWriter
	masker   *secrets.Masker
	failed   bool
	logger   *slog.Logger
}

// Run executes every step of jr.Job in order and returns the job's result.
// It never returns nil. Cancelling ctx interrupts the running step and
// marks the remaining steps cancelled; steps with always() or cancelled()
// still run, bounded by their own timeout.
func (r *JobRunner) Run(ctx context.Context, jr JobRun) *JobResult {
	job := jr.Job
	res := &JobResult{
		Key:       job.Key,
		ID:        job.ID,
		Name:      job.DisplayName(),
		RunsOn:    job.RunsOn,
		Status:    workflow.StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if res.Key == "" {
		res.Key = job.ID
	}
	logger := log.FromContext(ctx).With("run", jr.RunID, "job", res.Key)
	r.reporter().JobStatus(ctx, jr.RunID, res)

	output := &lockedBuffer{}
	masker := r.Masker
	if masker == nil {
		masker = &secrets.Masker{}
	}
	var sink io.Writer = output
	if jr.Output != nil {
		sink = io.MultiWriter(output, jr.Output)
	}
	mw := masker.Writer(sink)

	finish := func(status workflow.Status, err error) *JobResult {
		_ = mw.Close()
		res.Status = status
		res.Conclusion = status
		if status == workflow.StatusFailed && job.ContinueOnError {
			res.Conclusion = workflow.StatusSucceeded
		}
		res.Err = err
		res.Output = output.String()
		res.EndedAt = time.Now().UTC()
		logger.Info("job finished", "status", res.Status, "conclusion", res.Conclusion)
		r.reporter().JobStatus(ctx, jr.RunID, res)
		return res
	}

	jobCtx := ctx
	if job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, minutes(job.TimeoutMinutes))
		defer cancel()
	}

	ws, err := r.Provisioner.Provision(jobCtx, job.RunsOn, res.Key)
	if err != nil {
		fmt.Fprintf(mw, "error: %v\n", err)
		if ctx.Err() != nil {
			return finish(workflow.StatusCancelled, err)
		}
		return finish(workflow.StatusFailed, fmt.Errorf("provisioning workspace: %w", err))
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("failed to remove workspace", "error", err)
		}
	}()
	logger.Info("job started", "workspace", ws.Dir())

	st := &jobState{
		run:    jr,
		result: res,
		ws:     ws,
		output: output,
		sink:   mw,
		masker: masker,
		logger: logger,
	}
	st.ectx = r.expressionContext(ctx, jr, ws, masker)
	st.base = predefinedVars(jr, ws)

	var jobErr error
	for i, step := range job.Steps {
		sr := r.runStep(ctx, jobCtx, st, i, step)
		res.Steps = append(res.Steps, sr)
		if sr.Err != nil && jobErr == nil && sr.Status == workflow.StatusFailed && !step.ContinueOnError {
			jobErr = sr.Err
		}
	}

	if err := r.resolveOutputs(st); err != nil {
		fmt.Fprintf(mw, "error: %v\n", err)
		st.failed = true
		if jobErr == nil {
			jobErr = err
		}
	}

	switch {
	case st.failed:
		if jobCtx.Err() != nil && ctx.Err() == nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("job exceeded timeout of %v", minutes(job.TimeoutMinutes)))
		}
		return finish(workflow.StatusFailed, jobErr)
	case ctx.Err() != nil:
		return finish(workflow.StatusCancelled, ctx.Err())
	case jobCtx.Err() != nil:
		return finish(workflow.StatusFailed, fmt.Errorf("job exceeded timeout of %v", minutes(job.TimeoutMinutes)))
	}
	return finish(workflow.StatusSucceeded, nil)
}

func (r *JobRunner) runStep(runCtx, jobCtx context.Context, st *jobState, index int, step *workflow.Step) *StepResult {
	sr := &StepResult{
		Index: index,
		ID:    step.ID,
		Name:  step.DisplayName(index),
	}
	interrupted := jobCtx.Err() != nil
	cond := workflow.ConditionState{Failed: st.failed, Cancelled: runCtx.Err() != nil}
	if interrupted && !cond.Cancelled {
		// job timeout: treat like a failure so only always() and failure() steps run
		cond.Failed = true
	}
	if !step.If.Evaluate(cond) {
		sr.Status = workflow.StatusSkipped
		if cond.Cancelled {
			sr.Status = workflow.StatusCancelled
		}
		sr.Conclusion = sr.Status
		r.recordStep(runCtx, st, sr)
		return sr
	}

	parent := jobCtx
	if interrupted {
		parent = context.WithoutCancel(jobCtx)
	}
	stepCtx, cancel := context.WithTimeout(parent, r.stepTimeout(step))
	defer cancel()

	sr.Status = workflow.StatusRunning
	sr.StartedAt = time.Now().UTC()
	r.reporter().StepStatus(runCtx, st.run.RunID, st.result, sr)
	st.logger.Debug("step started", "step", sr.Name)
	fmt.Fprintf(st.sink, "==> %s\n", sr.Name)

	start := st.output.Len()
	exitCode, outputs, err := r.execute(stepCtx, st, step)
	_ = st.sink.Close()

	sr.EndedAt = time.Now().UTC()
	sr.ExitCode = exitCode
	sr.Outputs = outputs
	sr.Output = st.output.From(start)

	switch {
	case err == nil && exitCode == 0:
		sr.Status = workflow.StatusSucceeded
	case err != nil && runCtx.Err() != nil && !interrupted:
		sr.Status = workflow.StatusCancelled
		sr.Err = err
	case err == nil:
		sr.Status = workflow.StatusFailed
		sr.Err = &StepExecutionError{Job: st.result.Key, Step: sr.Name, ExitCode: exitCode}
	default:
		sr.Status = workflow.StatusFailed
		if errors.Is(err, context.DeadlineExceeded) && stepCtx.Err() != nil && jobCtx.Err() == nil {
			err = fmt.Errorf("step exceeded timeout of %v: %w", r.stepTimeout(step), err)
		}
		sr.Err = err
	}
	sr.Conclusion = sr.Status
	if sr.Status == workflow.StatusFailed {
		if step.ContinueOnError {
			sr.Conclusion = workflow.StatusSucceeded
		} else {
			st.failed = true
		}
		fmt.Fprintf(st.sink, "error: %v\n", sr.Err)
	}
	r.recordStep(runCtx, st, sr)
	return sr
}

func (r *JobRunner) recordStep(ctx context.Context, st *jobState, sr *StepResult) {
	if sr.ID != "" {
		st.ectx.SetStep(sr.ID, env.StepState{
			Outcome:    string(sr.Status),
			Conclusion: string(sr.Conclusion),
			Outputs:    sr.Outputs,
		})
	}
	st.logger.Info("step finished", "step", sr.Name, "status", sr.Status, "exit_code", sr.ExitCode)
	r.reporter().StepStatus(ctx, st.run.RunID, st.result, sr)
}

// execute runs one step. A non-nil error means the step could not run to
// completion; a non-zero exit code with a nil error is an ordinary failure.
func (r *JobRunner) execute(ctx context.Context, st *jobState, step *workflow.Step) (int, map[string]string, error) {
	wf, job, ws := st.run.Workflow, st.run.Job, st.ws
	id := uuid.NewString()
	outputFile := ws.Join(ws.TempDir(), "output-"+id)
	envFile := ws.Join(ws.TempDir(), "env-"+id)
	for _, f := range []string{outputFile, envFile} {
		if err := ws.WriteFile(f, nil); err != nil {
			return -1, nil, fmt.Errorf("preparing %s: %w", f, err)
		}
	}

	vars, err := st.ectx.Resolve(st.base, wf.Env, job.Env, st.exported, step.Env)
	if err != nil {
		return -1, nil, err
	}
	vars.Set("RUNFLOW_OUTPUT", outputFile)
	vars.Set("RUNFLOW_ENV", envFile)

	var exitCode int
	var outputs map[string]string
	if step.Uses != "" {
		outputs, err = r.runAction(ctx, st, step, vars)
		if err != nil {
			exitCode = 1
			var se *StepExecutionError
			if errors.As(err, &se) {
				exitCode = se.ExitCode
			}
		}
	} else {
		exitCode, err = r.runScript(ctx, st, step, vars)
	}
	if err != nil {
		return exitCode, outputs, err
	}

	written, perr := r.readCommandFile(ws, outputFile)
	if perr != nil {
		return exitCode, outputs, fmt.Errorf("reading RUNFLOW_OUTPUT: %w", perr)
	}
	if len(written) > 0 && outputs == nil {
		outputs = make(map[string]string, len(written))
	}
	for _, kv := range written {
		outputs[kv.Name] = kv.Value
	}
	exported, perr := r.readCommandFile(ws, envFile)
	if perr != nil {
		return exitCode, outputs, fmt.Errorf("reading RUNFLOW_ENV: %w", perr)
	}
	for _, kv := range exported {
		st.exported.Set(kv.Name, kv.Value)
	}
	return exitCode, outputs, nil
}

func (r *JobRunner) readCommandFile(ws Workspace, p string) (env.Vars, error) {
	data, err := ws.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return env.ParseCommandFile(data)
}

func (r *JobRunner) runScript(ctx context.Context, st *jobState, step *workflow.Step, vars env.Vars) (int, error) {
	wf, job, ws := st.run.Workflow, st.run.Job, st.ws
	id, err := shell.Parse(wf.Shell(job, step))
	if err != nil {
		return -1, err
	}
	inv, err := shell.Resolve(id, ws.Platform())
	if err != nil {
		return -1, err
	}
	script, err := st.ectx.Expand(step.Run, vars)
	if err != nil {
		return -1, err
	}
	scriptPath := ws.Join(ws.TempDir(), uuid.NewString()+inv.Extension)
	if err := ws.WriteFile(scriptPath, []byte(inv.WrapScript(script))); err != nil {
		return -1, fmt.Errorf("writing script: %w", err)
	}

	dir, err := workingDirectory(st, wf.WorkingDirectory(job, step), vars)
	if err != nil {
		return -1, err
	}
	return ws.Exec(ctx, Command{
		Argv:   inv.Argv(scriptPath, ws.Getenv),
		Dir:    dir,
		Env:    vars.Environ(),
		Output: st.sink,
	})
}

func (r *JobRunner) runAction(ctx context.Context, st *jobState, step *workflow.Step, vars env.Vars) (map[string]string, error) {
	if r.Actions == nil {
		return nil, fmt.Errorf("%w: %s", action.ErrUnknownAction, step.Uses)
	}
	inputs := make(map[string]string, len(step.With))
	for _, kv := range step.With {
		v, err := st.ectx.Expand(kv.Value, vars)
		if err != nil {
			return nil, fmt.Errorf("with.%s: %w", kv.Name, err)
		}
		inputs[kv.Name] = v
	}
	resp, err := r.Actions.Run(ctx, action.Request{
		Uses:      step.Uses,
		Inputs:    inputs,
		Env:       vars.Map(),
		Workspace: actionWorkspace{ws: st.ws, env: vars.Environ()},
		Output:    st.sink,
	})
	if err != nil {
		return nil, err
	}
	return resp.Outputs, nil
}

func workingDirectory(st *jobState, wd string, vars env.Vars) (string, error) {
	if wd == "" {
		return st.ws.Dir(), nil
	}
	wd, err := st.ectx.Expand(wd, vars)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(wd) || path.IsAbs(wd) {
		return wd, nil
	}
	return st.ws.Join(st.ws.Dir(), wd), nil
}

// resolveOutputs evaluates the job's outputs against the final step state.
func (r *JobRunner) resolveOutputs(st *jobState) error {
	job := st.run.Job
	if len(job.Outputs) == 0 {
		return nil
	}
	vars, err := st.ectx.Resolve(st.base, st.run.Workflow.Env, job.Env)
	if err != nil {
		return err
	}
	outputs := make(map[string]string, len(job.Outputs))
	for _, kv := range job.Outputs {
		v, err := st.ectx.Expand(kv.Value, vars)
		if err != nil {
			return fmt.Errorf("outputs.%s: %w", kv.Name, err)
		}
		outputs[kv.Name] = st.masker.Mask(v)
	}
	st.result.Outputs = outputs
	return nil
}

func (r *JobRunner) expressionContext(ctx context.Context, jr JobRun, ws Workspace, masker *secrets.Masker) *env.Context {
	matrix := jr.Job.Matrix.Map()
	return &env.Context{
		Matrix: matrix,
		Needs:  jr.Needs,
		Inputs: jr.Inputs,
		Runflow: map[string]string{
			"event_name": jr.Event.Name,
			"ref":        jr.Event.Ref,
			"sha":        jr.Event.SHA,
			"repository": jr.Event.Repository,
			"run_id":     jr.RunID,
			"workflow":   jr.Workflow.Name,
			"job":        jr.Job.ID,
			"workspace":  ws.Dir(),
		},
		Secrets: func(name string) (string, bool, error) {
			if r.Secrets == nil {
				return "", false, nil
			}
			v, err := r.Secrets.Secret(ctx, name)
			if errors.Is(err, secrets.ErrSecretNotFound) {
				return "", false, nil
			}
			if err != nil {
				return "", false, err
			}
			masker.Add(v)
			return v, true, nil
		},
	}
}

func predefinedVars(jr JobRun, ws Workspace) env.Vars {
	vars := env.Vars{
		{Name: "CI", Value: "true"},
		{Name: "RUNFLOW_WORKSPACE", Value: ws.Dir()},
		{Name: "RUNFLOW_RUN_ID", Value: jr.RunID},
		{Name: "RUNFLOW_WORKFLOW", Value: jr.Workflow.Name},
		{Name: "RUNFLOW_JOB", Value: jr.Job.ID},
		{Name: "RUNFLOW_EVENT_NAME", Value: jr.Event.Name},
		{Name: "RUNFLOW_REF", Value: jr.Event.Ref},
		{Name: "RUNFLOW_SHA", Value: jr.Event.SHA},
		{Name: "RUNNER_OS", Value: ws.Platform().RunnerOS()},
		{Name: "RUNNER_TEMP", Value: ws.TempDir()},
	}
	if jr.Event.Repository != "" {
		vars.Set("RUNFLOW_REPOSITORY", jr.Event.Repository)
	}
	return vars
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// From returns everything written after offset.
func (b *lockedBuffer) From(offset int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf.Bytes()[offset:])
}
