package storage

import (
	"context"
	"errors"
	"fmt"
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

// --- Overage Repository Methods ---

var overageRunColumns = []string{"month", "tenant_id", "extra_count", "unit_price_minor", "amount_minor", "currency", "line_item_id", "detail", "created_at"}

// RunOverageOnce executes fn for (month, tenant) at most once. It first claims
// the pair's marker row with an ON CONFLICT DO NOTHING insert: a concurrent
// reconciler holding an uncommitted claim for the same pair blocks on that
// insert until it resolves, so exactly one caller ever reaches fn. When the
// claim conflicts with a committed marker the existing row is returned with
// alreadyRan set. A failing fn rolls the claim back, leaving the pair eligible
// for a later run. There is no retry wrapper here: fn may call the invoicing
// collaborator and must not be replayed by the storage layer.
func (r *PostgresRepo) RunOverageOnce(ctx context.Context, month, tenantID string, fn OverageRunFn) (*model.OverageRun, bool, error) {
	loggerCtx := logger.FromContext(ctx)
	startTime := utils.Now()

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, false, fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
	}
	var txErr error
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if txErr != nil {
			if rbErr := tx.Rollback().Error; rbErr != nil {
				loggerCtx.Error("Failed to rollback reconciliation transaction", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
			}
		}
		observer.ObserveDbOperationDuration("reconcile_once", "overage_run", tenantID, time.Since(startTime), txErr)
	}()

	claim := model.OverageRun{Month: month, TenantID: tenantID, CreatedAt: utils.Now()}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Select(overageRunColumns).Create(&claim)
	if result.Error != nil {
		txErr = checkConstraintViolation(result.Error)
		return nil, false, txErr
	}

	if result.RowsAffected == 0 {
		// Marker committed by an earlier run.
		var existing model.OverageRun
		if err := tx.Where("month = ? AND tenant_id = ?", month, tenantID).First(&existing).Error; err != nil {
			txErr = checkConstraintViolation(err)
			return nil, false, txErr
		}
		if commitErr := tx.Commit().Error; commitErr != nil {
			txErr = checkConstraintViolation(commitErr)
			return nil, false, txErr
		}
		return &existing, true, nil
	}

	var usage model.UsageRecord
	if err := tx.Where("month = ? AND tenant_id = ?", month, tenantID).First(&usage).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			txErr = checkConstraintViolation(err)
			return nil, false, txErr
		}
		// No sends that month: hand fn a zero counter.
		usage = model.UsageRecord{Month: month, TenantID: tenantID}
	}

	filled, err := fn(ctx, usage)
	if err != nil {
		txErr = err
		return nil, false, txErr
	}

	filled.Month = month
	filled.TenantID = tenantID
	filled.CreatedAt = claim.CreatedAt

	updateResult := tx.Model(&model.OverageRun{}).
		Where("month = ? AND tenant_id = ?", month, tenantID).
		Updates(map[string]interface{}{
			"extra_count":      filled.ExtraCount,
			"unit_price_minor": filled.UnitPriceMinor,
			"amount_minor":     filled.AmountMinor,
			"currency":         filled.Currency,
			"line_item_id":     filled.LineItemID,
			"detail":           filled.Detail,
		})
	if updateResult.Error != nil {
		txErr = checkConstraintViolation(updateResult.Error)
		return nil, false, txErr
	}

	if commitErr := tx.Commit().Error; commitErr != nil {
		txErr = checkConstraintViolation(commitErr)
		return nil, false, txErr
	}
	return &filled, false, nil
}

// GetOverageRun returns the reconciliation marker for (month, tenant).
func (r *PostgresRepo) GetOverageRun(ctx context.Context, month, tenantID string) (*model.OverageRun, error) {
	var run model.OverageRun
	operation := func() error {
		result := r.db.WithContext(ctx).Where("month = ? AND tenant_id = ?", month, tenantID).First(&run)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "GetOverageRun", operation)
	observer.ObserveDbOperationDuration("find", "overage_run", tenantID, time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		logger.FromContext(ctx).Error("Failed to load overage run after retries",
			zap.String("tenant_id", tenantID),
			zap.String("month", month),
			zap.Error(findErr))
		return nil, findErr
	}
	return &run, nil
}

// ListOverageRuns returns every reconciliation marker for the month.
func (r *PostgresRepo) ListOverageRuns(ctx context.Context, month string) ([]model.OverageRun, error) {
	var runs []model.OverageRun
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("month = ?", month).
			Order("tenant_id ASC").
			Find(&runs)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "ListOverageRuns", operation)
	observer.ObserveDbOperationDuration("list", "overage_run", "all", time.Since(startTime), findErr)

	if findErr != nil {
		logger.FromContext(ctx).Error("Failed to list overage runs after retries",
			zap.String("month", month),
			zap.Error(findErr))
		return nil, findErr
	}
	if runs == nil { // Ensure empty slice is returned, not nil
		return []model.OverageRun{}, nil
	}
	return runs, nil
}
