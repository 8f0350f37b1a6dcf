package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/storage"
)

// UsageRepoMock is a mock implementation of storage.UsageRepo
type UsageRepoMock struct {
	mock.Mock
}

func (m *UsageRepoMock) IncrementOutbound(ctx context.Context, tenantID, month string) (int64, error) {
	args := m.Called(ctx, tenantID, month)
	return args.Get(0).(int64), args.Error(1)
}

func (m *UsageRepoMock) AdjustOutbound(ctx context.Context, tenantID, month string, delta int64) (int64, error) {
	args := m.Called(ctx, tenantID, month, delta)
	return args.Get(0).(int64), args.Error(1)
}

func (m *UsageRepoMock) GetUsage(ctx context.Context, tenantID, month string) (*model.UsageRecord, error) {
	args := m.Called(ctx, tenantID, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.UsageRecord), args.Error(1)
}

func (m *UsageRepoMock) ListMonthUsage(ctx context.Context, month string) ([]model.UsageRecord, error) {
	args := m.Called(ctx, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.UsageRecord), args.Error(1)
}

func (m *UsageRepoMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// OverageRepoMock is a mock implementation of storage.OverageRepo
type OverageRepoMock struct {
	mock.Mock
}

func (m *OverageRepoMock) RunOverageOnce(ctx context.Context, month, tenantID string, fn storage.OverageRunFn) (*model.OverageRun, bool, error) {
	args := m.Called(ctx, month, tenantID, fn)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.OverageRun), args.Bool(1), args.Error(2)
}

func (m *OverageRepoMock) GetOverageRun(ctx context.Context, month, tenantID string) (*model.OverageRun, error) {
	args := m.Called(ctx, month, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.OverageRun), args.Error(1)
}

func (m *OverageRepoMock) ListOverageRuns(ctx context.Context, month string) ([]model.OverageRun, error) {
	args := m.Called(ctx, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.OverageRun), args.Error(1)
}
