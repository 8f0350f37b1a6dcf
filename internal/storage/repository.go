package storage

import (
	"context"

	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
)

// UsageRepo defines usage counter storage operations. Months are UTC month
// keys in the "YYYY-MM" form.
type UsageRepo interface {
	// IncrementOutbound adds one confirmed outbound send to the tenant's
	// counter for the month, creating the row if needed, and returns the new
	// count. The increment is a single atomic statement and is never retried.
	IncrementOutbound(ctx context.Context, tenantID, month string) (int64, error)
	// AdjustOutbound applies a signed administrative correction to the
	// counter, clamped so it never goes below zero, and returns the new count.
	AdjustOutbound(ctx context.Context, tenantID, month string, delta int64) (int64, error)
	// GetUsage returns the tenant's counter row for the month, or
	// apperrors.ErrNotFound when the tenant has no usage that month.
	GetUsage(ctx context.Context, tenantID, month string) (*model.UsageRecord, error)
	// ListMonthUsage returns all counter rows for the month ordered by tenant.
	ListMonthUsage(ctx context.Context, month string) ([]model.UsageRecord, error)
	Close(ctx context.Context) error
}

// OverageRunFn computes the overage outcome for one tenant inside the
// reconciliation transaction. It receives the tenant's usage row (zero-valued
// counter when the tenant sent nothing that month) and returns the marker
// fields to record. Returning an error aborts the transaction and leaves no
// marker, so a later run retries the tenant.
type OverageRunFn func(ctx context.Context, usage model.UsageRecord) (model.OverageRun, error)

// OverageRepo defines overage reconciliation storage operations.
type OverageRepo interface {
	// RunOverageOnce executes fn for the (month, tenant) pair at most once.
	// It claims the pair's marker row inside a transaction, runs fn, and
	// commits the completed marker. When a marker already exists the existing
	// row is returned with alreadyRan set and fn is not called. Concurrent
	// callers for the same pair serialize on the claim; exactly one runs fn.
	RunOverageOnce(ctx context.Context, month, tenantID string, fn OverageRunFn) (marker *model.OverageRun, alreadyRan bool, err error)
	// GetOverageRun returns the marker for the pair, or apperrors.ErrNotFound.
	GetOverageRun(ctx context.Context, month, tenantID string) (*model.OverageRun, error)
	// ListOverageRuns returns all markers for the month ordered by tenant.
	ListOverageRuns(ctx context.Context, month string) ([]model.OverageRun, error)
}
