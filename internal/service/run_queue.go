package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haatos/runflow/internal/engine"
	"github.com/haatos/runflow/internal/executor"
	"github.com/haatos/runflow/internal/log"
	"github.com/haatos/runflow/internal/store"
	"github.com/haatos/runflow/internal/util"
	"github.com/haatos/runflow/internal/workflow"
)

// RunExecutor executes a whole run. *engine.Engine implements it.
type RunExecutor interface {
	Execute(ctx context.Context, run engine.Run) (*engine.Result, error)
}

type RunWriter interface {
	UpdateRunStatus(ctx context.Context, runID, status string, runErr *string, startedOn, endedOn *time.Time) error
	UpsertJobRun(ctx context.Context, jr *store.JobRun) error
	UpsertStepRun(ctx context.Context, sr *store.StepRun) error
}

// QueuedRun is a persisted run waiting for the worker.
type QueuedRun struct {
	Run      *store.Run
	Workflow *workflow.Workflow
	Event    workflow.Event
	Inputs   map[string]string

	ctx context.Context
}

func NewRunQueue(runs RunWriter, executor RunExecutor, broker *OutputBroker, maxRuns int64) *RunQueue {
	return &RunQueue{
		runs:     runs,
		executor: executor,
		broker:   broker,
		queue:    make(chan *QueuedRun, maxRuns),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		cancels:  NewCancelMap[string](),
		logger:   log.New("runqueue"),
	}
}

// RunQueue executes runs one at a time in the order they were enqueued and
// persists job and step results as the engine reports them.
type RunQueue struct {
	runs     RunWriter
	executor RunExecutor
	broker   *OutputBroker

	queue   chan *QueuedRun
	done    chan struct{}
	stopped chan struct{}
	cancels *CancelMap[string]
	once    sync.Once
	logger  *slog.Logger
}

// Enqueue adds qr to the queue. It fails with *ErrRunQueueFull when the
// queue has no room.
func (rq *RunQueue) Enqueue(qr *QueuedRun) error {
	ctx, cancel := context.WithCancel(context.Background())
	qr.ctx = ctx
	rq.cancels.AddCancel(qr.Run.RunID, cancel)
	select {
	case rq.queue <- qr:
		return nil
	default:
		rq.cancels.RemoveCancel(qr.Run.RunID)
		cancel()
		return NewErrRunQueueFull()
	}
}

// CancelRun cancels a queued or running run and reports whether it was
// known to the queue.
func (rq *RunQueue) CancelRun(runID string) bool {
	return rq.cancels.Call(runID)
}

func (rq *RunQueue) Run() {
	defer close(rq.stopped)
	for {
		select {
		case qr := <-rq.queue:
			if rq.stopping() {
				rq.cancelQueued(qr)
				continue
			}
			rq.processRun(qr)
		case <-rq.done:
			rq.drain()
			return
		}
	}
}

// Shutdown stops the worker and cancels the run in progress. Runs still in
// the queue are marked cancelled.
func (rq *RunQueue) Shutdown(ctx context.Context) error {
	rq.once.Do(func() {
		close(rq.done)
		rq.cancels.CallAll()
	})
	select {
	case <-rq.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rq *RunQueue) stopping() bool {
	select {
	case <-rq.done:
		return true
	default:
		return false
	}
}

func (rq *RunQueue) drain() {
	for {
		select {
		case qr := <-rq.queue:
			rq.cancelQueued(qr)
		default:
			return
		}
	}
}

func (rq *RunQueue) cancelQueued(qr *QueuedRun) {
	rq.finishRun(qr.Run.RunID, workflow.StatusCancelled, "server shut down")
	rq.cancels.RemoveCancel(qr.Run.RunID)
}

func (rq *RunQueue) processRun(qr *QueuedRun) {
	runID := qr.Run.RunID
	defer rq.cancels.RemoveCancel(runID)
	logger := rq.logger.With("run", runID, "workflow", qr.Workflow.Name)

	if qr.ctx.Err() != nil {
		rq.finishRun(runID, workflow.StatusCancelled, "")
		return
	}

	startedOn := time.Now().UTC()
	if err := rq.runs.UpdateRunStatus(
		context.Background(),
		runID,
		string(workflow.StatusRunning),
		nil,
		&startedOn,
		nil,
	); err != nil {
		logger.Error("updating run status", "error", err)
	}

	run := engine.Run{
		ID:       runID,
		Workflow: qr.Workflow,
		Event:    qr.Event,
		Inputs:   qr.Inputs,
	}
	if rq.broker != nil {
		rq.broker.Open(runID)
		defer rq.broker.Close(runID)
		run.Output = func(job *workflow.Job) io.Writer {
			return rq.broker.Writer(runID, job.Key)
		}
	}
	ctx := log.IntoContext(qr.ctx, logger)
	res, err := rq.executor.Execute(ctx, run)
	if err != nil {
		logger.Error("run failed to start", "error", err)
		rq.finishRun(runID, workflow.StatusFailed, err.Error())
		return
	}
	rq.finishRun(runID, res.Status, "")
}

func (rq *RunQueue) finishRun(runID string, status workflow.Status, message string) {
	endedOn := time.Now().UTC()
	var runErr *string
	if message != "" {
		runErr = util.AsPtr(message)
	}
	if err := rq.runs.UpdateRunStatus(
		context.Background(),
		runID,
		string(status),
		runErr,
		nil,
		&endedOn,
	); err != nil {
		rq.logger.Error("updating run status", "run", runID, "error", err)
	}
}

// JobStatus persists a job instance's state. Writes ignore cancellation of
// ctx so the final state of a cancelled run is still recorded.
func (rq *RunQueue) JobStatus(ctx context.Context, runID string, res *executor.JobResult) {
	jr := &store.JobRun{
		RunID:      runID,
		JobKey:     res.Key,
		JobID:      res.ID,
		Name:       res.Name,
		RunsOn:     strings.Join(res.RunsOn, ","),
		Status:     string(res.Status),
		Conclusion: string(res.Conclusion),
		StartedOn:  timePtr(res.StartedAt),
		EndedOn:    timePtr(res.EndedAt),
	}
	if res.Status.Terminal() {
		jr.Output = util.AsPtr(res.Output)
	}
	if res.Err != nil {
		jr.Error = util.AsPtr(res.Err.Error())
	}
	if err := rq.runs.UpsertJobRun(context.WithoutCancel(ctx), jr); err != nil {
		rq.logger.Error("persisting job status", "run", runID, "job", res.Key, "error", err)
	}
}

func (rq *RunQueue) StepStatus(ctx context.Context, runID string, job *executor.JobResult, res *executor.StepResult) {
	sr := &store.StepRun{
		RunID:      runID,
		JobKey:     job.Key,
		StepIndex:  res.Index,
		StepID:     res.ID,
		Name:       res.Name,
		Status:     string(res.Status),
		Conclusion: string(res.Conclusion),
		ExitCode:   res.ExitCode,
		Output:     util.AsPtr(res.Output),
		StartedOn:  timePtr(res.StartedAt),
		EndedOn:    timePtr(res.EndedAt),
	}
	if res.Err != nil {
		sr.Error = util.AsPtr(res.Err.Error())
	}
	if err := rq.runs.UpsertStepRun(context.WithoutCancel(ctx), sr); err != nil {
		rq.logger.Error("persisting step status", "run", runID, "job", job.Key, "step", res.Name, "error", err)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
