// Package registry holds the live tenant table: the mapping from normalized
// virtual number and tenant id to tenant records, replaced as one atomic
// snapshot on reload so readers never observe a partially updated table.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/phone"
	"gitlab.com/textlane/api/sms-agent-relay/internal/validator"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

// snapshot is an immutable view of the tenant table. Reads hold the pointer,
// never the maps, so a concurrent reload cannot expose a mixed table.
type snapshot struct {
	byNumber map[string]model.Tenant
	byID     map[string]model.Tenant
	loadedAt time.Time
}

// Registry resolves tenants by virtual number or id against the most recent
// successfully loaded snapshot.
type Registry struct {
	source     Source
	normalizer *phone.Normalizer
	snap       atomic.Pointer[snapshot]
}

// New creates an empty registry. Call Reload before serving traffic.
func New(source Source, normalizer *phone.Normalizer) *Registry {
	r := &Registry{
		source:     source,
		normalizer: normalizer,
	}
	r.snap.Store(&snapshot{
		byNumber: map[string]model.Tenant{},
		byID:     map[string]model.Tenant{},
	})
	return r
}

// Reload fetches the full tenant table from the source and swaps it in as one
// atomic step. On any source failure the live table is left untouched and the
// error is returned to the caller. Rows that fail validation are dropped with
// a warning; when two rows normalize to the same virtual number the first row
// wins and the conflicting row is rejected.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)

	tenants, err := r.source.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading tenant table: %w", err)
	}

	next := &snapshot{
		byNumber: make(map[string]model.Tenant, len(tenants)),
		byID:     make(map[string]model.Tenant, len(tenants)),
		loadedAt: utils.Now(),
	}

	for _, t := range tenants {
		if err := validator.Validate(&t); err != nil {
			log.Warn("Dropping invalid tenant row",
				zap.String("tenant_id", t.TenantID),
				zap.Error(err))
			continue
		}

		key := r.normalizer.Normalize(t.VirtualNumber)
		if key == "" {
			log.Warn("Dropping tenant row with unusable virtual number",
				zap.String("tenant_id", t.TenantID),
				zap.String("virtual_number", t.VirtualNumber))
			continue
		}
		if existing, ok := next.byNumber[key]; ok {
			log.Warn("Duplicate virtual number in tenant table, keeping first row",
				zap.String("virtual_number", key),
				zap.String("kept_tenant_id", existing.TenantID),
				zap.String("rejected_tenant_id", t.TenantID))
			continue
		}
		if existing, ok := next.byID[t.TenantID]; ok {
			log.Warn("Duplicate tenant id in tenant table, keeping first row",
				zap.String("tenant_id", t.TenantID),
				zap.String("kept_virtual_number", existing.VirtualNumber))
			continue
		}

		t.VirtualNumber = key
		next.byNumber[key] = t
		next.byID[t.TenantID] = t
	}

	if len(next.byID) == 0 {
		return 0, fmt.Errorf("tenant table produced no valid rows, keeping previous snapshot: %w", apperrors.ErrValidation)
	}

	r.snap.Store(next)
	log.Info("Tenant table reloaded", zap.Int("tenant_count", len(next.byID)))
	return len(next.byID), nil
}

// ResolveByVirtualNumber normalizes raw and looks the tenant up. The returned
// tenant is a copy; mutating it does not affect the registry.
func (r *Registry) ResolveByVirtualNumber(raw string) (*model.Tenant, error) {
	key := r.normalizer.Normalize(raw)
	t, ok := r.snap.Load().byNumber[key]
	if !ok {
		return nil, fmt.Errorf("no tenant for virtual number %q: %w", key, apperrors.ErrNotFound)
	}
	return &t, nil
}

// ResolveByID looks a tenant up by its stable id.
func (r *Registry) ResolveByID(tenantID string) (*model.Tenant, error) {
	t, ok := r.snap.Load().byID[tenantID]
	if !ok {
		return nil, fmt.Errorf("no tenant with id %q: %w", tenantID, apperrors.ErrNotFound)
	}
	return &t, nil
}

// All returns the registered tenants sorted by tenant id.
func (r *Registry) All() []model.Tenant {
	snap := r.snap.Load()
	out := make([]model.Tenant, 0, len(snap.byID))
	for _, t := range snap.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// LoadedAt reports when the live snapshot was installed. Zero for the initial
// empty table.
func (r *Registry) LoadedAt() time.Time {
	return r.snap.Load().loadedAt
}
