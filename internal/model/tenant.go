package model

// Plan identifies a tenant's subscription tier. The tier sets the monthly
// included outbound-message allowance and the overage unit price unless the
// tenant row overrides them explicitly.
type Plan string

const (
	// PlanBasic is the entry tier.
	PlanBasic Plan = "basic"
	// PlanAdvanced is the higher-allowance tier.
	PlanAdvanced Plan = "advanced"
	// PlanNone marks tenants without a subscription tier; such tenants have no
	// allowance or unit price unless their row sets them explicitly.
	PlanNone Plan = ""
)

// Tenant is one billed customer, routed by its dedicated virtual phone number.
// Tenants live in an in-memory registry snapshot loaded from the tenant table;
// they are never persisted by this service.
type Tenant struct {
	// TenantID is the unique, stable tenant identifier.
	TenantID string `json:"tenant_id" validate:"required"`
	// VirtualNumber is the normalized inbound routing key, also used as the
	// outbound sender. Unique across all loaded tenants.
	VirtualNumber string `json:"virtual_number" validate:"required,numeric"`
	// AgentID is the opaque reference to the tenant's conversational agent.
	// Empty means the tenant answers with its fallback opening line only.
	AgentID string `json:"agent_id,omitempty"`
	// Plan is the subscription tier ("basic", "advanced", or empty).
	Plan Plan `json:"plan,omitempty" validate:"omitempty,oneof=basic advanced"`
	// MonthlyIncludedMessages is the outbound allowance per calendar month.
	MonthlyIncludedMessages int64 `json:"monthly_included_messages" validate:"gte=0"`
	// OverageUnitPrice is the price per extra message in the smallest currency unit.
	OverageUnitPrice int64 `json:"overage_unit_price" validate:"gte=0"`
	// BillingAccountID is the opaque reference into the invoicing collaborator.
	// Empty means the tenant is never billed for overage.
	BillingAccountID string `json:"billing_account_id,omitempty"`
	// FallbackOpeningLine is sent whenever the agent path is unavailable and as
	// the missed-call greeting. Always present after registry load.
	FallbackOpeningLine string `json:"fallback_opening_line" validate:"required"`
}

// HasAgent reports whether the tenant has a conversational agent configured.
func (t *Tenant) HasAgent() bool {
	return t != nil && t.AgentID != ""
}

// Billable reports whether overage reconciliation can invoice this tenant.
func (t *Tenant) Billable() bool {
	return t != nil && t.BillingAccountID != ""
}
