package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
)

// testCtx returns a context carrying a test logger so context-aware logging
// inside the services stays visible in test output.
func testCtx(t *testing.T) context.Context {
	return logger.WithLogger(context.Background(), zaptest.NewLogger(t))
}

// TenantDirectoryMock is a mock implementation of TenantDirectory.
type TenantDirectoryMock struct {
	mock.Mock
}

func (m *TenantDirectoryMock) ResolveByVirtualNumber(raw string) (*model.Tenant, error) {
	args := m.Called(raw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Tenant), args.Error(1)
}

func (m *TenantDirectoryMock) ResolveByID(tenantID string) (*model.Tenant, error) {
	args := m.Called(tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Tenant), args.Error(1)
}

func (m *TenantDirectoryMock) All() []model.Tenant {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]model.Tenant)
}

// ConversationCacheMock is a mock implementation of ConversationCache.
type ConversationCacheMock struct {
	mock.Mock
}

func (m *ConversationCacheMock) GetOrCreate(ctx context.Context, tenant *model.Tenant, counterpart string) (string, error) {
	args := m.Called(ctx, tenant, counterpart)
	return args.String(0), args.Error(1)
}

func (m *ConversationCacheMock) Forget(ctx context.Context, tenantID, counterpart string) error {
	args := m.Called(ctx, tenantID, counterpart)
	return args.Error(0)
}

// OutboundMeterMock is a mock implementation of OutboundMeter.
type OutboundMeterMock struct {
	mock.Mock
}

func (m *OutboundMeterMock) RecordOutbound(ctx context.Context, tenantID string) (int64, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(int64), args.Error(1)
}
