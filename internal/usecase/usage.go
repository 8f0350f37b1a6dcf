package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/observer"
	"gitlab.com/textlane/api/sms-agent-relay/internal/storage"
	"gitlab.com/textlane/api/sms-agent-relay/internal/validator"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

// TenantDirectory is the registry surface the services depend on.
type TenantDirectory interface {
	ResolveByVirtualNumber(raw string) (*model.Tenant, error)
	ResolveByID(tenantID string) (*model.Tenant, error)
	All() []model.Tenant
}

// UsageMeter owns the monthly outbound counters: one confirmed increment per
// sent SMS, administrative corrections, and the per-month usage report.
type UsageMeter struct {
	usageRepo storage.UsageRepo
	directory TenantDirectory
}

// NewUsageMeter creates a new usage meter
func NewUsageMeter(usageRepo storage.UsageRepo, directory TenantDirectory) *UsageMeter {
	return &UsageMeter{
		usageRepo: usageRepo,
		directory: directory,
	}
}

// RecordOutbound adds one confirmed send for the tenant in the current UTC
// month and returns the new count. Failures surface to the caller but must
// never undo the send that was already confirmed.
func (m *UsageMeter) RecordOutbound(ctx context.Context, tenantID string) (int64, error) {
	month := model.MonthKey(utils.Now())
	count, err := m.usageRepo.IncrementOutbound(ctx, tenantID, month)
	observer.IncUsageIncrement(tenantID, err)
	if err != nil {
		return 0, err
	}

	logger.FromContext(ctx).Debug("Outbound usage incremented",
		zap.String("tenant_id", tenantID),
		zap.String("month", month),
		zap.Int64("outbound_count", count))
	return count, nil
}

// Usage returns the tenant's counter row for the month. A tenant that sent
// nothing that month yields a zero-valued record, not an error.
func (m *UsageMeter) Usage(ctx context.Context, tenantID, month string) (*model.UsageRecord, error) {
	if err := validateMonthKey(month); err != nil {
		return nil, err
	}

	record, err := m.usageRepo.GetUsage(ctx, tenantID, month)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return &model.UsageRecord{Month: month, TenantID: tenantID}, nil
		}
		return nil, err
	}
	return record, nil
}

// Adjust applies a signed administrative correction to the tenant's counter
// and returns the new count. The store clamps the result at zero.
func (m *UsageMeter) Adjust(ctx context.Context, tenantID, month string, delta int64) (int64, error) {
	if err := validateMonthKey(month); err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, fmt.Errorf("%w: adjustment delta must be non-zero", apperrors.ErrBadRequest)
	}

	count, err := m.usageRepo.AdjustOutbound(ctx, tenantID, month, delta)
	if err != nil {
		return 0, err
	}

	if _, lookupErr := m.directory.ResolveByID(tenantID); lookupErr != nil {
		logger.FromContext(ctx).Warn("Adjusted usage for a tenant that is not registered",
			zap.String("tenant_id", tenantID),
			zap.String("month", month))
	}
	return count, nil
}

// Report joins the month's counters with the registry's plan context. Every
// registered tenant appears, including those that sent nothing; counters for
// tenants no longer registered are reported with Registered false so usage is
// never silently hidden.
func (m *UsageMeter) Report(ctx context.Context, month string) ([]model.UsageReportLine, error) {
	if err := validateMonthKey(month); err != nil {
		return nil, err
	}

	records, err := m.usageRepo.ListMonthUsage(ctx, month)
	if err != nil {
		return nil, err
	}

	lines := make([]model.UsageReportLine, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, record := range records {
		seen[record.TenantID] = true
		line := model.UsageReportLine{
			TenantID:      record.TenantID,
			OutboundCount: record.OutboundCount,
		}
		if t, resolveErr := m.directory.ResolveByID(record.TenantID); resolveErr == nil {
			line.Registered = true
			line.Plan = t.Plan
			line.IncludedMessages = t.MonthlyIncludedMessages
			line.OverageUnitPrice = t.OverageUnitPrice
			line.Billable = t.Billable()
			if extra := record.OutboundCount - t.MonthlyIncludedMessages; extra > 0 {
				line.ProjectedExtra = extra
				line.ProjectedAmountMinor = extra * t.OverageUnitPrice
			}
		}
		lines = append(lines, line)
	}

	for _, t := range m.directory.All() {
		if seen[t.TenantID] {
			continue
		}
		lines = append(lines, model.UsageReportLine{
			TenantID:         t.TenantID,
			Plan:             t.Plan,
			IncludedMessages: t.MonthlyIncludedMessages,
			OverageUnitPrice: t.OverageUnitPrice,
			Billable:         t.Billable(),
			Registered:       true,
		})
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].TenantID < lines[j].TenantID })
	return lines, nil
}

func validateMonthKey(month string) error {
	if err := validator.ValidateVar(month, "month_key"); err != nil {
		return fmt.Errorf("%w: month must be in YYYY-MM form, got %q", apperrors.ErrBadRequest, month)
	}
	return nil
}
