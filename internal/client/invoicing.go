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

// InvoicingAPIClient creates line items on the billing system's accounts.
type InvoicingAPIClient struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
}

type createLineItemRequest struct {
	AmountMinor int64             `json:"amount_minor"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type createLineItemResponse struct {
	LineItemID string `json:"line_item_id"`
}

// NewInvoicingAPIClient creates an invoicing client.
func NewInvoicingAPIClient(baseURL, apiToken string, timeout time.Duration) *InvoicingAPIClient {
	return &InvoicingAPIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIToken:   apiToken,
		HTTPClient: newHTTPClient(timeout),
	}
}

// CreateLineItem books one charge on a billing account and returns the
// created line item id. The metadata carries the reconciliation reference
// (tenant, month, extra count, unit price) for later audits.
func (c *InvoicingAPIClient) CreateLineItem(ctx context.Context, billingAccountID string, amountMinor int64, currency, description string, metadata map[string]string) (string, error) {
	url := fmt.Sprintf("%s/billing-accounts/%s/line-items", c.BaseURL, billingAccountID)

	jsonData, err := json.Marshal(createLineItemRequest{
		AmountMinor: amountMinor,
		Currency:    currency,
		Description: description,
		Metadata:    metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encoding line item request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("building line item request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", classifyTransportErr(err, apperrors.ErrInvoicing, "creating line item")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("invoicing returned status %d: %s: %w", resp.StatusCode, errorBody(resp.Body), apperrors.ErrInvoicing)
	}

	var out createLineItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding line item response: %v: %w", err, apperrors.ErrInvoicing)
	}
	if out.LineItemID == "" {
		return "", fmt.Errorf("invoicing returned no line item id: %w", apperrors.ErrInvoicing)
	}

	logger.FromContext(ctx).Debug("Created invoicing line item",
		zap.String("billing_account_id", billingAccountID),
		zap.String("line_item_id", out.LineItemID),
		zap.Int64("amount_minor", amountMinor))
	return out.LineItemID, nil
}
