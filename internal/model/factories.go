package model

import (
	"encoding/json"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"gorm.io/datatypes"

	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

// RandomJSONB generates random JSON data for testing.
func RandomJSONB() datatypes.JSON {
	jsonData := map[string]interface{}{
		"note": gofakeit.Word(),
		"ref":  gofakeit.Number(1, 100),
	}
	bytes, _ := json.Marshal(jsonData)
	return datatypes.JSON(bytes)
}

// RandomJSONBMap generates JSON data from a map for testing.
func RandomJSONBMap(data map[string]interface{}) datatypes.JSON {
	bytes, _ := json.Marshal(data)
	return datatypes.JSON(bytes)
}

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// NewTenant creates a new Tenant instance with default fake data.
func NewTenant(overrideDefaults ...*Tenant) *Tenant {
	base := &Tenant{
		TenantID:                "tenant_" + gofakeit.LetterN(10),
		VirtualNumber:           "3246" + gofakeit.DigitN(7),
		AgentID:                 gofakeit.UUID(),
		Plan:                    Plan(gofakeit.RandomString([]string{string(PlanBasic), string(PlanAdvanced)})),
		MonthlyIncludedMessages: int64(gofakeit.Number(100, 1000)),
		OverageUnitPrice:        int64(gofakeit.Number(5, 25)),
		BillingAccountID:        "ba_" + gofakeit.LetterN(12),
		FallbackOpeningLine:     gofakeit.Sentence(6),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		// Allow overriding with empty string by direct assignment
		base.TenantID = ovr.TenantID
		base.VirtualNumber = ovr.VirtualNumber
		base.AgentID = ovr.AgentID
		base.Plan = ovr.Plan
		base.BillingAccountID = ovr.BillingAccountID
		base.FallbackOpeningLine = ovr.FallbackOpeningLine

		if ovr.MonthlyIncludedMessages != 0 {
			base.MonthlyIncludedMessages = ovr.MonthlyIncludedMessages
		}
		if ovr.OverageUnitPrice != 0 {
			base.OverageUnitPrice = ovr.OverageUnitPrice
		}
	}
	return base
}

// NewUsageRecord creates a new UsageRecord instance with default fake data.
func NewUsageRecord(overrideDefaults ...*UsageRecord) *UsageRecord {
	base := &UsageRecord{
		Month:         MonthKey(utils.Now()),
		TenantID:      "tenant_" + gofakeit.LetterN(10),
		OutboundCount: int64(gofakeit.Number(0, 500)),
		UpdatedAt:     utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		// Allow overriding with empty string by direct assignment
		base.Month = ovr.Month
		base.TenantID = ovr.TenantID

		if ovr.OutboundCount != 0 {
			base.OutboundCount = ovr.OutboundCount
		}
		if !ovr.UpdatedAt.IsZero() {
			base.UpdatedAt = ovr.UpdatedAt
		}
	}
	return base
}

// NewOverageRun creates a new OverageRun instance with default fake data.
func NewOverageRun(overrideDefaults ...*OverageRun) *OverageRun {
	extra := int64(gofakeit.Number(1, 100))
	unitPrice := int64(gofakeit.Number(5, 25))
	base := &OverageRun{
		Month:          MonthKey(utils.Now().AddDate(0, -1, 0)),
		TenantID:       "tenant_" + gofakeit.LetterN(10),
		ExtraCount:     extra,
		UnitPriceMinor: unitPrice,
		AmountMinor:    extra * unitPrice,
		Currency:       "EUR",
		LineItemID:     "li_" + gofakeit.LetterN(14),
		Detail:         RandomJSONB(),
		CreatedAt:      utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		// Allow overriding with empty string by direct assignment
		base.Month = ovr.Month
		base.TenantID = ovr.TenantID
		base.Currency = ovr.Currency
		base.LineItemID = ovr.LineItemID

		if ovr.ExtraCount != 0 {
			base.ExtraCount = ovr.ExtraCount
		}
		if ovr.UnitPriceMinor != 0 {
			base.UnitPriceMinor = ovr.UnitPriceMinor
		}
		if ovr.AmountMinor != 0 {
			base.AmountMinor = ovr.AmountMinor
		}
		if !ovr.CreatedAt.IsZero() {
			base.CreatedAt = ovr.CreatedAt
		}
		// Allow overriding with nil for datatypes.JSON by direct assignment
		base.Detail = ovr.Detail
	}
	return base
}

// NewInboundEvent creates a new InboundEvent instance with default fake data.
func NewInboundEvent(overrideDefaults ...*InboundEvent) *InboundEvent {
	base := &InboundEvent{
		Kind:         EventInboundMessage,
		ProviderType: providerTypeInboxMessage,
		Sender:       "324" + gofakeit.DigitN(8),
		Receiver:     "3246" + gofakeit.DigitN(7),
		Content:      gofakeit.Sentence(8),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		// Allow overriding with empty string by direct assignment
		base.Sender = ovr.Sender
		base.Receiver = ovr.Receiver
		base.Content = ovr.Content

		if ovr.Kind != "" {
			base.Kind = ovr.Kind
		}
		if ovr.ProviderType != "" {
			base.ProviderType = ovr.ProviderType
		}
	}
	return base
}
