package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/observer"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

// AgentSessionCreator is the slice of the agent collaborator the cache needs.
type AgentSessionCreator interface {
	CreateSession(ctx context.Context, agentID string, metadata map[string]string) (string, error)
}

// SessionCache returns the conversation handle for a (tenant, counterpart)
// pair, creating it through the agent collaborator on first use. Creation is
// coalesced per key: concurrent callers for the same pair share one creation
// call and its result instead of opening divergent sessions.
type SessionCache struct {
	store SessionStore
	agent AgentSessionCreator
	group singleflight.Group
}

// NewSessionCache creates a session cache on top of the given store.
func NewSessionCache(store SessionStore, agent AgentSessionCreator) *SessionCache {
	return &SessionCache{
		store: store,
		agent: agent,
	}
}

// GetOrCreate resolves the conversation handle for the tenant and normalized
// counterpart phone. Tenants without an agent get ErrAgentUnavailable so the
// caller can fall back to the tenant's opening line. A store read failure is
// treated as a miss; a store write failure still returns the fresh handle
// since the reply for the current event can proceed without the record.
func (c *SessionCache) GetOrCreate(ctx context.Context, tenant *model.Tenant, counterpart string) (string, error) {
	if !tenant.HasAgent() {
		return "", fmt.Errorf("tenant %s has no agent configured: %w", tenant.TenantID, apperrors.ErrAgentUnavailable)
	}

	key := SessionKey(tenant.TenantID, counterpart)

	if session, err := c.store.Get(ctx, key); err != nil {
		logger.FromContext(ctx).Warn("Session store lookup failed, treating as miss",
			zap.String("session_key", key),
			zap.Error(err))
	} else if session != nil {
		observer.IncSessionLookup(tenant.TenantID, "hit")
		return session.Handle, nil
	}
	observer.IncSessionLookup(tenant.TenantID, "miss")

	handle, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check after winning the flight; a waiter that lost an earlier
		// flight may have stored the session already.
		if session, err := c.store.Get(ctx, key); err == nil && session != nil {
			return session.Handle, nil
		}

		handle, err := c.agent.CreateSession(ctx, tenant.AgentID, map[string]string{
			"tenant_id":         tenant.TenantID,
			"counterpart_phone": counterpart,
		})
		if err != nil {
			observer.IncSessionCreateFailure(tenant.TenantID)
			return nil, fmt.Errorf("creating agent session: %w", err)
		}
		observer.IncSessionCreated(tenant.TenantID)

		session := &Session{
			Handle:      handle,
			TenantID:    tenant.TenantID,
			Counterpart: counterpart,
			CreatedAt:   utils.Now(),
		}
		if storeErr := c.store.Set(ctx, key, session); storeErr != nil {
			logger.FromContext(ctx).Warn("Failed to store conversation session",
				zap.String("session_key", key),
				zap.Error(storeErr))
		}
		return handle, nil
	})
	if err != nil {
		return "", err
	}
	return handle.(string), nil
}

// Forget drops the stored session for a key so the next event creates a
// fresh one. Used when the agent reports the handle as unknown.
func (c *SessionCache) Forget(ctx context.Context, tenantID, counterpart string) error {
	return c.store.Delete(ctx, SessionKey(tenantID, counterpart))
}
