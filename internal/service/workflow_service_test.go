package service

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haatos/runflow/internal/store"
	"github.com/haatos/runflow/internal/workflow"
)

const pushWorkflow = `
name: ci
on:
  push:
    branches: [main]
jobs:
  build:
    runs-on: self-hosted
    steps:
      - run: echo build
`

const dispatchWorkflow = `
name: deploy
on:
  workflow_dispatch:
    inputs:
      environment:
        default: staging
  schedule:
    - cron: "0 3 * * *"
    - cron: "0 15 * * 1"
jobs:
  deploy:
    runs-on: self-hosted
    steps:
      - run: echo deploy
`

type MockRunEnqueuer struct {
	mock.Mock
}

func (m *MockRunEnqueuer) Enqueue(qr *QueuedRun) error {
	args := m.Called(qr)
	return args.Error(0)
}

func (m *MockRunEnqueuer) CancelRun(runID string) bool {
	args := m.Called(runID)
	return args.Bool(0)
}

func newTestRunStore(t *testing.T) *store.RunSQLiteStore {
	t.Helper()
	db, err := store.InitDatabase(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.RunMigrations(db))
	return store.NewRunSQLiteStore(db, db)
}

func writeWorkflows(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func newTestWorkflowService(t *testing.T, queue RunEnqueuer) (*WorkflowService, *store.RunSQLiteStore) {
	t.Helper()
	dir := writeWorkflows(t, map[string]string{"ci.yml": pushWorkflow, "deploy.yaml": dispatchWorkflow})
	runStore := newTestRunStore(t)
	s := NewWorkflowService(dir, runStore, queue, nil, 2)
	require.NoError(t, s.Load())
	return s, runStore
}

// limitedScheduler fails every NewJob call after the first limit calls.
type limitedScheduler struct {
	gocron.Scheduler
	limit int
	calls int
}

func (l *limitedScheduler) NewJob(d gocron.JobDefinition, task gocron.Task, opts ...gocron.JobOption) (gocron.Job, error) {
	l.calls++
	if l.calls > l.limit {
		return nil, errors.New("scheduler is full")
	}
	return l.Scheduler.NewJob(d, task, opts...)
}

func TestWorkflowService_Load(t *testing.T) {
	t.Run("success - workflows are listed by name", func(t *testing.T) {
		// arrange
		s, _ := newTestWorkflowService(t, new(MockRunEnqueuer))

		// act
		workflows := s.ListWorkflows()

		// assert
		require.Len(t, workflows, 2)
		assert.Equal(t, "ci", workflows[0].Name)
		assert.Equal(t, "deploy", workflows[1].Name)
	})
	t.Run("failure - malformed workflow keeps the loaded set", func(t *testing.T) {
		// arrange
		s, _ := newTestWorkflowService(t, new(MockRunEnqueuer))
		require.NoError(t, os.WriteFile(filepath.Join(s.dir, "broken.yml"), []byte("jobs: [\n"), 0o644))

		// act
		err := s.Load()

		// assert
		assert.Error(t, err)
		assert.Len(t, s.ListWorkflows(), 2)
	})
	t.Run("success - schedule triggers are registered and replaced on reload", func(t *testing.T) {
		// arrange
		scheduler, err := NewScheduler()
		require.NoError(t, err)
		t.Cleanup(func() { _ = scheduler.Shutdown() })
		dir := writeWorkflows(t, map[string]string{"deploy.yml": dispatchWorkflow})
		s := NewWorkflowService(dir, newTestRunStore(t), new(MockRunEnqueuer), scheduler, 2)

		// act
		err1 := s.Load()
		err2 := s.Load()

		// assert
		assert.NoError(t, err1)
		assert.NoError(t, err2)
		assert.Len(t, scheduler.Jobs(), 2)
		assert.Len(t, s.cronJobs, 2)
	})
	t.Run("failure - scheduling error keeps the loaded set and its schedules", func(t *testing.T) {
		// arrange
		base, err := NewScheduler()
		require.NoError(t, err)
		t.Cleanup(func() { _ = base.Shutdown() })
		scheduler := &limitedScheduler{Scheduler: base, limit: 4}
		dir := writeWorkflows(t, map[string]string{"deploy.yml": dispatchWorkflow})
		s := NewWorkflowService(dir, newTestRunStore(t), new(MockRunEnqueuer), scheduler, 2)
		require.NoError(t, s.Load())
		loadedJobs := s.cronJobs
		nightly := "name: nightly\non:\n  schedule:\n    - cron: \"0 1 * * *\"\njobs:\n  a:\n    runs-on: self-hosted\n    steps: [{run: a}]\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "nightly.yml"), []byte(nightly), 0o644))

		// act
		err = s.Load()

		// assert
		assert.ErrorContains(t, err, "scheduler is full")
		require.Len(t, s.ListWorkflows(), 1)
		assert.Equal(t, "deploy", s.ListWorkflows()[0].Name)
		assert.Equal(t, loadedJobs, s.cronJobs)
		assert.Len(t, base.Jobs(), 2)
	})
}

func TestWorkflowService_Trigger(t *testing.T) {
	t.Run("success - matching workflows are queued", func(t *testing.T) {
		// arrange
		queue := new(MockRunEnqueuer)
		queue.On("Enqueue", mock.AnythingOfType("*service.QueuedRun")).Return(nil)
		s, runStore := newTestWorkflowService(t, queue)
		ev := workflow.Event{Name: workflow.EventPush, Ref: "refs/heads/main", SHA: "abc"}

		// act
		runs, err := s.Trigger(context.Background(), ev)

		// assert
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "ci", runs[0].Workflow)
		stored, err := runStore.ReadRunByID(context.Background(), runs[0].RunID)
		require.NoError(t, err)
		assert.Equal(t, string(workflow.StatusPending), stored.Status)
		assert.Equal(t, "abc", stored.SHA)
		queue.AssertNumberOfCalls(t, "Enqueue", 1)
		qr := queue.Calls[0].Arguments.Get(0).(*QueuedRun)
		assert.Equal(t, "ci", qr.Workflow.Name)
		assert.Equal(t, ev, qr.Event)
	})
	t.Run("success - no workflow matches", func(t *testing.T) {
		// arrange
		queue := new(MockRunEnqueuer)
		s, _ := newTestWorkflowService(t, queue)

		// act
		runs, err := s.Trigger(context.Background(), workflow.Event{Name: workflow.EventPush, Ref: "refs/heads/dev"})

		// assert
		assert.NoError(t, err)
		assert.Empty(t, runs)
		queue.AssertNotCalled(t, "Enqueue", mock.Anything)
	})
	t.Run("failure - queue is full", func(t *testing.T) {
		// arrange
		queue := new(MockRunEnqueuer)
		queue.On("Enqueue", mock.Anything).Return(NewErrRunQueueFull())
		s, runStore := newTestWorkflowService(t, queue)

		// act
		runs, err := s.Trigger(context.Background(), workflow.Event{Name: workflow.EventPush, Ref: "refs/heads/main"})

		// assert
		var queueFull *ErrRunQueueFull
		assert.True(t, errors.As(err, &queueFull))
		assert.Empty(t, runs)
		count, err := runStore.CountRuns(context.Background(), "")
		assert.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestWorkflowService_Dispatch(t *testing.T) {
	t.Run("success - defaults fill missing inputs", func(t *testing.T) {
		// arrange
		queue := new(MockRunEnqueuer)
		queue.On("Enqueue", mock.Anything).Return(nil)
		s, _ := newTestWorkflowService(t, queue)

		// act
		r, err := s.Dispatch(context.Background(), "deploy", "refs/heads/main", nil)

		// assert
		require.NoError(t, err)
		assert.Equal(t, workflow.EventWorkflowDispatch, r.Event)
		qr := queue.Calls[0].Arguments.Get(0).(*QueuedRun)
		assert.Equal(t, map[string]string{"environment": "staging"}, qr.Inputs)
		assert.Equal(t, "refs/heads/main", qr.Event.Ref)
	})
	t.Run("failure - workflow not found", func(t *testing.T) {
		// arrange
		s, _ := newTestWorkflowService(t, new(MockRunEnqueuer))

		// act
		_, err := s.Dispatch(context.Background(), "missing", "", nil)

		// assert
		assert.ErrorIs(t, err, ErrWorkflowNotFound)
	})
	t.Run("failure - workflow cannot be dispatched", func(t *testing.T) {
		// arrange
		s, _ := newTestWorkflowService(t, new(MockRunEnqueuer))

		// act
		_, err := s.Dispatch(context.Background(), "ci", "", nil)

		// assert
		assert.ErrorIs(t, err, ErrDispatchNotEnabled)
	})
	t.Run("failure - unknown input", func(t *testing.T) {
		// arrange
		s, _ := newTestWorkflowService(t, new(MockRunEnqueuer))

		// act
		_, err := s.Dispatch(context.Background(), "deploy", "", map[string]string{"region": "eu"})

		// assert
		var inputErr *InputError
		assert.True(t, errors.As(err, &inputErr))
	})
}

func TestWorkflowService_GetRun(t *testing.T) {
	t.Run("success - jobs carry their steps", func(t *testing.T) {
		// arrange
		queue := new(MockRunEnqueuer)
		queue.On("Enqueue", mock.Anything).Return(nil)
		s, runStore := newTestWorkflowService(t, queue)
		r, err := s.Dispatch(context.Background(), "deploy", "", nil)
		require.NoError(t, err)
		now := time.Now().UTC()
		for _, key := range []string{"a", "b"} {
			require.NoError(t, runStore.UpsertJobRun(context.Background(), &store.JobRun{
				RunID: r.RunID, JobKey: key, JobID: key, Name: key,
				Status: "succeeded", Conclusion: "succeeded", StartedOn: &now,
			}))
		}
		require.NoError(t, runStore.UpsertStepRun(context.Background(), &store.StepRun{
			RunID: r.RunID, JobKey: "b", StepIndex: 0, Name: "only", Status: "succeeded", Conclusion: "succeeded",
		}))

		// act
		details, err := s.GetRun(context.Background(), r.RunID)

		// assert
		require.NoError(t, err)
		assert.Equal(t, r.RunID, details.RunID)
		require.Len(t, details.Jobs, 2)
		assert.Empty(t, details.Jobs[0].Steps)
		require.Len(t, details.Jobs[1].Steps, 1)
		assert.Equal(t, "only", details.Jobs[1].Steps[0].Name)
	})
	t.Run("failure - run not found", func(t *testing.T) {
		// arrange
		s, _ := newTestWorkflowService(t, new(MockRunEnqueuer))

		// act
		_, err := s.GetRun(context.Background(), "missing")

		// assert
		assert.ErrorIs(t, err, ErrRunNotFound)
	})
}

func TestWorkflowService_ListRuns(t *testing.T) {
	// arrange
	queue := new(MockRunEnqueuer)
	queue.On("Enqueue", mock.Anything).Return(nil)
	s, _ := newTestWorkflowService(t, queue)
	for range 3 {
		_, err := s.Dispatch(context.Background(), "deploy", "", nil)
		require.NoError(t, err)
	}

	// act
	first, count, err1 := s.ListRuns(context.Background(), "deploy", 1)
	second, _, err2 := s.ListRuns(context.Background(), "deploy", 2)
	clamped, _, err3 := s.ListRuns(context.Background(), "deploy", 0)

	// assert
	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.NoError(t, err3)
	assert.Equal(t, int64(3), count)
	assert.Len(t, first, 2)
	assert.Len(t, second, 1)
	assert.Equal(t, first, clamped)
}

func TestWorkflowService_CancelRun(t *testing.T) {
	t.Run("success - active run is cancelled", func(t *testing.T) {
		// arrange
		queue := new(MockRunEnqueuer)
		queue.On("Enqueue", mock.Anything).Return(nil)
		s, _ := newTestWorkflowService(t, queue)
		r, err := s.Dispatch(context.Background(), "deploy", "", nil)
		require.NoError(t, err)
		queue.On("CancelRun", r.RunID).Return(true)

		// act
		err = s.CancelRun(context.Background(), r.RunID)

		// assert
		assert.NoError(t, err)
		queue.AssertCalled(t, "CancelRun", r.RunID)
	})
	t.Run("failure - run already finished", func(t *testing.T) {
		// arrange
		queue := new(MockRunEnqueuer)
		queue.On("Enqueue", mock.Anything).Return(nil)
		s, _ := newTestWorkflowService(t, queue)
		r, err := s.Dispatch(context.Background(), "deploy", "", nil)
		require.NoError(t, err)
		queue.On("CancelRun", r.RunID).Return(false)

		// act
		err = s.CancelRun(context.Background(), r.RunID)

		// assert
		assert.ErrorIs(t, err, ErrRunNotActive)
	})
	t.Run("failure - run not found", func(t *testing.T) {
		// arrange
		s, _ := newTestWorkflowService(t, new(MockRunEnqueuer))

		// act
		err := s.CancelRun(context.Background(), "missing")

		// assert
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.NotErrorIs(t, err, sql.ErrNoRows)
	})
}
