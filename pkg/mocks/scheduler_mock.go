package mocks

import (
	"context"

	"github.com/dukex/nurture/pkg/jobs"
	"github.com/dukex/nurture/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockDueRuns is a mock implementation of scheduler.DueRuns interface.
type MockDueRuns struct {
	mock.Mock
}

func (m *MockDueRuns) GetDueRuns(ctx context.Context, limit int) ([]*models.DripRun, error) {
	args := m.Called(ctx, limit)

	runs, _ := args.Get(0).([]*models.DripRun)

	return runs, args.Error(1)
}

// MockFlowScheduler is a mock implementation of scheduler.FlowScheduler interface.
type MockFlowScheduler struct {
	mock.Mock
}

func (m *MockFlowScheduler) ResumeDue(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)

	return args.Int(0), args.Error(1)
}

func (m *MockFlowScheduler) RetryFailed(ctx context.Context, limit int) (int, error) {
	args := m.Called(ctx, limit)

	return args.Int(0), args.Error(1)
}

// MockDispatcher is a mock implementation of jobs.Dispatcher interface. Dispatched jobs complete
// with the error given to Return.
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, job jobs.Job) (*jobs.Handle, error) {
	args := m.Called(ctx, job)

	return jobs.Completed(job, args.Error(0)), nil
}
