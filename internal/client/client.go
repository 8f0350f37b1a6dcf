// Package client holds the HTTP collaborators this service delegates to: the
// outbound SMS gateway, the conversational agent, and the invoicing system.
// Each client owns its request/response DTOs and maps transport failures onto
// the shared error taxonomy; retry policy stays with the callers.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
)

const maxErrorBodyBytes = 512

// GatewayClient sends outbound SMS through the gateway collaborator.
type GatewayClient interface {
	SendSMS(ctx context.Context, to, sender, message string) error
}

// AgentClient drives a tenant's conversational agent: one call to open a
// conversation, one call per inbound message to obtain a reply.
type AgentClient interface {
	CreateSession(ctx context.Context, agentID string, metadata map[string]string) (string, error)
	SendTurn(ctx context.Context, handle, content string) (string, error)
}

// InvoicingClient creates billing line items on a tenant's billing account.
type InvoicingClient interface {
	CreateLineItem(ctx context.Context, billingAccountID string, amountMinor int64, currency, description string, metadata map[string]string) (string, error)
}

// errorBody reads a bounded snippet of an error response for diagnostics.
func errorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil || len(b) == 0 {
		return "<empty>"
	}
	return strings.TrimSpace(string(b))
}

// classifyTransportErr distinguishes timeouts from other transport failures
// so callers can see stalled collaborators in the error chain.
func classifyTransportErr(err error, sentinel error, what string) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%s timed out: %w", what, apperrors.ErrTimeout)
	}
	return fmt.Errorf("%s: %v: %w", what, err, sentinel)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
