package mock

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// GatewayClientMock is a mock implementation of client.GatewayClient.
type GatewayClientMock struct {
	mock.Mock
}

func (m *GatewayClientMock) SendSMS(ctx context.Context, to, sender, message string) error {
	args := m.Called(ctx, to, sender, message)
	return args.Error(0)
}

// AgentClientMock is a mock implementation of client.AgentClient.
type AgentClientMock struct {
	mock.Mock
}

func (m *AgentClientMock) CreateSession(ctx context.Context, agentID string, metadata map[string]string) (string, error) {
	args := m.Called(ctx, agentID, metadata)
	return args.String(0), args.Error(1)
}

func (m *AgentClientMock) SendTurn(ctx context.Context, handle, content string) (string, error) {
	args := m.Called(ctx, handle, content)
	return args.String(0), args.Error(1)
}

// InvoicingClientMock is a mock implementation of client.InvoicingClient.
type InvoicingClientMock struct {
	mock.Mock
}

func (m *InvoicingClientMock) CreateLineItem(ctx context.Context, billingAccountID string, amountMinor int64, currency, description string, metadata map[string]string) (string, error) {
	args := m.Called(ctx, billingAccountID, amountMinor, currency, description, metadata)
	return args.String(0), args.Error(1)
}
