// Package cache holds the conversation-session layer: the affinity between
// one tenant and one counterpart phone number and the stores that keep it.
package cache

import (
	"context"
	"time"
)

// Session is one tenant to counterpart conversation affinity. The handle is
// opaque to this service; only the agent collaborator interprets it.
type Session struct {
	Handle      string    `json:"handle"`
	TenantID    string    `json:"tenant_id"`
	Counterpart string    `json:"counterpart"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStore persists conversation sessions keyed by SessionKey. Get
// returns (nil, nil) when the key is absent; absence is not an error.
type SessionStore interface {
	Get(ctx context.Context, key string) (*Session, error)
	Set(ctx context.Context, key string, session *Session) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// SessionKey builds the store key for one tenant and one counterpart phone.
// The counterpart must already be normalized so formatting variants of the
// same number share one session.
func SessionKey(tenantID, counterpart string) string {
	return tenantID + ":" + counterpart
}
