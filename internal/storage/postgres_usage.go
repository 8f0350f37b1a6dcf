package storage

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/observer"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

// --- Usage Repository Methods ---

// usageRecordColumns lists every column written by the counter upserts.
// Selecting them explicitly keeps the generated INSERT stable even for
// zero-valued fields.
var usageRecordColumns = []string{"month", "tenant_id", "outbound_count", "updated_at"}

// IncrementOutbound adds one confirmed send to the (month, tenant) counter.
// The upsert is a single atomic statement so concurrent webhook deliveries
// never lose an increment. It is deliberately not retried: after an ambiguous
// failure a retry could count the same send twice.
func (r *PostgresRepo) IncrementOutbound(ctx context.Context, tenantID, month string) (int64, error) {
	now := utils.Now()
	record := model.UsageRecord{
		Month:         month,
		TenantID:      tenantID,
		OutboundCount: 1,
		UpdatedAt:     now,
	}

	startTime := now
	result := r.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "month"}, {Name: "tenant_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"outbound_count": gorm.Expr("usage_records.outbound_count + ?", 1),
				"updated_at":     now,
			}),
		},
		clause.Returning{Columns: []clause.Column{{Name: "outbound_count"}}},
	).Select(usageRecordColumns).Create(&record)
	incErr := checkConstraintViolation(result.Error)
	observer.ObserveDbOperationDuration("increment", "usage_record", tenantID, time.Since(startTime), incErr)

	if incErr != nil {
		logger.FromContext(ctx).Error("Failed to increment outbound usage",
			zap.String("tenant_id", tenantID),
			zap.String("month", month),
			zap.Error(incErr))
		return 0, incErr
	}
	return record.OutboundCount, nil
}

// AdjustOutbound applies a signed administrative correction to the counter.
// GREATEST clamps the result at zero so a correction can never drive the
// counter negative. Like IncrementOutbound this is a single unretried upsert.
func (r *PostgresRepo) AdjustOutbound(ctx context.Context, tenantID, month string, delta int64) (int64, error) {
	initial := delta
	if initial < 0 {
		initial = 0
	}
	now := utils.Now()
	record := model.UsageRecord{
		Month:         month,
		TenantID:      tenantID,
		OutboundCount: initial,
		UpdatedAt:     now,
	}

	startTime := now
	result := r.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "month"}, {Name: "tenant_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"outbound_count": gorm.Expr("GREATEST(usage_records.outbound_count + ?, 0)", delta),
				"updated_at":     now,
			}),
		},
		clause.Returning{Columns: []clause.Column{{Name: "outbound_count"}}},
	).Select(usageRecordColumns).Create(&record)
	adjErr := checkConstraintViolation(result.Error)
	observer.ObserveDbOperationDuration("adjust", "usage_record", tenantID, time.Since(startTime), adjErr)

	if adjErr != nil {
		logger.FromContext(ctx).Error("Failed to adjust outbound usage",
			zap.String("tenant_id", tenantID),
			zap.String("month", month),
			zap.Int64("delta", delta),
			zap.Error(adjErr))
		return 0, adjErr
	}

	logger.FromContext(ctx).Info("Adjusted outbound usage counter",
		zap.String("tenant_id", tenantID),
		zap.String("month", month),
		zap.Int64("delta", delta),
		zap.Int64("outbound_count", record.OutboundCount))
	return record.OutboundCount, nil
}

// GetUsage returns the counter row for (month, tenant).
func (r *PostgresRepo) GetUsage(ctx context.Context, tenantID, month string) (*model.UsageRecord, error) {
	var record model.UsageRecord
	operation := func() error {
		result := r.db.WithContext(ctx).Where("month = ? AND tenant_id = ?", month, tenantID).First(&record)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "GetUsage", operation)
	observer.ObserveDbOperationDuration("find", "usage_record", tenantID, time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		logger.FromContext(ctx).Error("Failed to load usage record after retries",
			zap.String("tenant_id", tenantID),
			zap.String("month", month),
			zap.Error(findErr))
		return nil, findErr
	}
	return &record, nil
}

// ListMonthUsage returns every tenant's counter row for the month.
func (r *PostgresRepo) ListMonthUsage(ctx context.Context, month string) ([]model.UsageRecord, error) {
	var records []model.UsageRecord
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("month = ?", month).
			Order("tenant_id ASC").
			Find(&records)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "ListMonthUsage", operation)
	observer.ObserveDbOperationDuration("list", "usage_record", "all", time.Since(startTime), findErr)

	if findErr != nil {
		logger.FromContext(ctx).Error("Failed to list month usage after retries",
			zap.String("month", month),
			zap.Error(findErr))
		return nil, findErr
	}
	if records == nil { // Ensure empty slice is returned, not nil
		return []model.UsageRecord{}, nil
	}
	return records, nil
}
