package model

import (
	"time"

	"gorm.io/datatypes"
)

// MonthKeyLayout is the time layout of a usage month key, e.g. "2026-01".
const MonthKeyLayout = "2006-01"

// MonthKey returns the UTC month key for the given instant.
func MonthKey(t time.Time) string {
	return t.UTC().Format(MonthKeyLayout)
}

// ParseMonthKey validates a "YYYY-MM" month key and returns the month start in UTC.
func ParseMonthKey(key string) (time.Time, error) {
	return time.ParseInLocation(MonthKeyLayout, key, time.UTC)
}

// UsageRecord is the durable outbound-message counter for one tenant and month.
// The count only moves through single-statement atomic upserts: +1 per confirmed
// outbound send, or a signed administrative adjustment clamped at zero.
type UsageRecord struct {
	// Month is the UTC month key ("YYYY-MM") the usage was accrued in.
	Month string `json:"month" gorm:"column:month;primaryKey;size:7"`
	// TenantID identifies the tenant the usage belongs to.
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;primaryKey"`
	// OutboundCount is the number of confirmed outbound sends. Never negative.
	OutboundCount int64 `json:"outbound_count" gorm:"column:outbound_count;not null;default:0"`
	// UpdatedAt is the time of the last counter change.
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM.
func (UsageRecord) TableName() string {
	return "usage_records"
}

// OverageRun is the idempotency marker for overage reconciliation. Presence of
// a row means billing was already reconciled for (month, tenant); the reconciler
// must never emit a second line item for the same key. Rows double as an audit
// trail of what was (or was not) billed.
type OverageRun struct {
	// Month is the reconciled UTC month key ("YYYY-MM").
	Month string `json:"month" gorm:"column:month;primaryKey;size:7"`
	// TenantID identifies the reconciled tenant.
	TenantID string `json:"tenant_id" gorm:"column:tenant_id;primaryKey"`
	// ExtraCount is the billed overage volume; zero for no-extra markers.
	ExtraCount int64 `json:"extra_count" gorm:"column:extra_count;not null;default:0"`
	// UnitPriceMinor is the per-message price applied, in minor currency units.
	UnitPriceMinor int64 `json:"unit_price_minor" gorm:"column:unit_price_minor;not null;default:0"`
	// AmountMinor is ExtraCount * UnitPriceMinor in minor currency units.
	AmountMinor int64 `json:"amount_minor" gorm:"column:amount_minor;not null;default:0"`
	// Currency is the ISO 4217 code the amount was billed in.
	Currency string `json:"currency" gorm:"column:currency;size:3"`
	// LineItemID is the invoicing collaborator's reference; empty for no-extra markers.
	LineItemID string `json:"line_item_id,omitempty" gorm:"column:line_item_id"`
	// Detail snapshots the reconciliation inputs (outbound count, included
	// allowance, plan) for audit purposes.
	Detail datatypes.JSON `json:"detail,omitempty" gorm:"type:jsonb;column:detail"`
	// CreatedAt is when the marker was written.
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
}

// TableName specifies the table name for GORM.
func (OverageRun) TableName() string {
	return "overage_runs"
}

// SkipReason explains why reconciliation emitted no line item for a tenant.
type SkipReason string

const (
	// SkipNoBillingAccount marks tenants without an invoicing reference.
	SkipNoBillingAccount SkipReason = "no_billing_account"
	// SkipAlreadyRun marks (month, tenant) pairs with an existing OverageRun.
	SkipAlreadyRun SkipReason = "already_run"
	// SkipNoExtra marks tenants within their allowance; a marker is still written.
	SkipNoExtra SkipReason = "no_extra"
	// SkipUnknownTenant marks usage rows whose tenant is no longer registered.
	SkipUnknownTenant SkipReason = "unknown_tenant"
	// SkipInvoicingError marks tenants whose reconciliation attempt failed
	// before a marker was written; a later run retries them.
	SkipInvoicingError SkipReason = "invoicing_error"
)

// OverageLine reports one created billing line item.
type OverageLine struct {
	TenantID    string `json:"tenant_id"`
	ExtraCount  int64  `json:"extra_count"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	LineItemID  string `json:"line_item_id"`
}

// SkippedTenant reports one tenant reconciliation produced no line item for.
type SkippedTenant struct {
	TenantID string     `json:"tenant_id"`
	Reason   SkipReason `json:"reason"`
}

// ReconcileReport summarizes one reconciliation run over a closed month.
type ReconcileReport struct {
	Month   string          `json:"month"`
	Created []OverageLine   `json:"created"`
	Skipped []SkippedTenant `json:"skipped"`
}

// UsageReportLine is one tenant's row in the admin usage report, joining the
// durable counter with the registry's plan and pricing context.
type UsageReportLine struct {
	TenantID             string `json:"tenant_id"`
	Plan                 Plan   `json:"plan,omitempty"`
	OutboundCount        int64  `json:"outbound_count"`
	IncludedMessages     int64  `json:"included_messages"`
	OverageUnitPrice     int64  `json:"overage_unit_price"`
	ProjectedExtra       int64  `json:"projected_extra"`
	ProjectedAmountMinor int64  `json:"projected_amount_minor"`
	Billable             bool   `json:"billable"`
	// Registered is false when the tenant has usage but no registry entry.
	Registered bool `json:"registered"`
}
