package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
)

// SMSGatewayClient sends outbound SMS through the provider's REST API.
type SMSGatewayClient struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// sendMessageRequest is the provider's send payload.
type sendMessageRequest struct {
	Message string `json:"message"`
	To      string `json:"to"`
	Sender  string `json:"sender"`
}

// NewSMSGatewayClient creates a gateway client with the given credentials.
func NewSMSGatewayClient(baseURL, clientID, clientSecret string, timeout time.Duration) *SMSGatewayClient {
	return &SMSGatewayClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   newHTTPClient(timeout),
	}
}

// SendSMS submits one outbound message. Any 2xx response counts as a
// confirmed send; everything else is a send failure. The provider retries
// nothing on our behalf, and neither does this client.
func (c *SMSGatewayClient) SendSMS(ctx context.Context, to, sender, message string) error {
	url := c.BaseURL + "/message/send"

	jsonData, err := json.Marshal(sendMessageRequest{
		Message: message,
		To:      to,
		Sender:  sender,
	})
	if err != nil {
		return fmt.Errorf("encoding send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Id", c.ClientID)
	req.Header.Set("X-Client-Secret", c.ClientSecret)

	logger.FromContext(ctx).Debug("Sending SMS through gateway",
		zap.String("to", to),
		zap.String("sender", sender),
		zap.Int("message_length", len(message)))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return classifyTransportErr(err, apperrors.ErrGateway, "sending SMS")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("gateway throttled the send (status %d): %w", resp.StatusCode, apperrors.ErrRateLimited)
	default:
		return fmt.Errorf("gateway returned status %d: %s: %w", resp.StatusCode, errorBody(resp.Body), apperrors.ErrGateway)
	}
}
