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

// Role the agent platform assigns to agent-authored chat turns.
const agentRole = "agent"

// ChatAgentClient talks to the conversational-agent platform over its chat
// API: one chat per (tenant, counterpart) pair, one completion per inbound
// message.
type ChatAgentClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type createChatRequest struct {
	AgentID  string            `json:"agent_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type createChatResponse struct {
	ChatID string `json:"chat_id"`
}

type chatCompletionRequest struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Messages []chatMessage `json:"messages"`
}

// NewChatAgentClient creates an agent platform client.
func NewChatAgentClient(baseURL, apiKey string, timeout time.Duration) *ChatAgentClient {
	return &ChatAgentClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: newHTTPClient(timeout),
	}
}

// CreateSession opens a chat with the tenant's agent and returns its opaque
// handle. The metadata travels to the agent platform verbatim so operators
// can trace a chat back to its tenant and counterpart.
func (c *ChatAgentClient) CreateSession(ctx context.Context, agentID string, metadata map[string]string) (string, error) {
	var out createChatResponse
	err := c.post(ctx, "/create-chat", createChatRequest{
		AgentID:  agentID,
		Metadata: metadata,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ChatID == "" {
		return "", fmt.Errorf("agent platform returned no chat id: %w", apperrors.ErrAgentUnavailable)
	}

	logger.FromContext(ctx).Debug("Created agent chat",
		zap.String("agent_id", agentID),
		zap.String("chat_id", out.ChatID))
	return out.ChatID, nil
}

// SendTurn submits the counterpart's message and returns the last
// agent-authored reply. An answer with no usable agent turn is an agent
// failure; the caller substitutes the tenant's fallback line.
func (c *ChatAgentClient) SendTurn(ctx context.Context, handle, content string) (string, error) {
	var out chatCompletionResponse
	err := c.post(ctx, "/create-chat-completion", chatCompletionRequest{
		ChatID:  handle,
		Content: content,
	}, &out)
	if err != nil {
		return "", err
	}

	for i := len(out.Messages) - 1; i >= 0; i-- {
		msg := out.Messages[i]
		if msg.Role == agentRole && strings.TrimSpace(msg.Content) != "" {
			return msg.Content, nil
		}
	}
	return "", fmt.Errorf("agent returned no usable reply for chat %s: %w", handle, apperrors.ErrAgentUnavailable)
}

func (c *ChatAgentClient) post(ctx context.Context, path string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("building agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return classifyTransportErr(err, apperrors.ErrAgentUnavailable, "calling agent platform")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding agent response: %v: %w", err, apperrors.ErrAgentUnavailable)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		// A vanished chat handle; the caller may drop its cached session
		// and open a fresh one.
		return fmt.Errorf("agent platform does not know this resource: %s: %w", errorBody(resp.Body), apperrors.ErrNotFound)
	default:
		return fmt.Errorf("agent platform returned status %d: %s: %w", resp.StatusCode, errorBody(resp.Body), apperrors.ErrAgentUnavailable)
	}
}
