package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/haatos/runflow/internal/service"
	"github.com/haatos/runflow/internal/store"
	"github.com/haatos/runflow/internal/workflow"
)

type MockWorkflowService struct {
	mock.Mock
}

func (m *MockWorkflowService) Load() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockWorkflowService) ListWorkflows() []*workflow.Workflow {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*workflow.Workflow)
}

func (m *MockWorkflowService) Trigger(ctx context.Context, ev workflow.Event) ([]*store.Run, error) {
	args := m.Called(ctx, ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Run), args.Error(1)
}

func (m *MockWorkflowService) Dispatch(
	ctx context.Context,
	name, ref string,
	inputs map[string]string,
) (*store.Run, error) {
	args := m.Called(ctx, name, ref, inputs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), nil
}

func (m *MockWorkflowService) GetRun(ctx context.Context, runID string) (*service.RunDetails, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.RunDetails), nil
}

func (m *MockWorkflowService) ListRuns(
	ctx context.Context,
	workflowName string,
	page int64,
) ([]store.Run, int64, error) {
	args := m.Called(ctx, workflowName, page)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]store.Run), args.Get(1).(int64), args.Error(2)
}

func (m *MockWorkflowService) CancelRun(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

type MockOutputSubscriber struct {
	mock.Mock
}

func (m *MockOutputSubscriber) Subscribe(runID string) (string, <-chan service.OutputLine, bool) {
	args := m.Called(runID)
	if args.Get(1) == nil {
		return args.String(0), nil, args.Bool(2)
	}
	return args.String(0), args.Get(1).(<-chan service.OutputLine), args.Bool(2)
}

func (m *MockOutputSubscriber) Unsubscribe(runID, uid string) {
	m.Called(runID, uid)
}
