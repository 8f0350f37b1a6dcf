package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"gitlab.com/textlane/api/sms-agent-relay/internal/client"
	"gitlab.com/textlane/api/sms-agent-relay/internal/config"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/observer"
	"gitlab.com/textlane/api/sms-agent-relay/internal/storage"
	"gitlab.com/textlane/api/sms-agent-relay/internal/tenant"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
)

// reconcileTask carries one tenant's usage row through the worker pool.
type reconcileTask struct {
	ctx   context.Context
	month string
	usage model.UsageRecord
	out   *reconcileCollector
	wg    *sync.WaitGroup
}

// BillingReconciler closes a month of usage: it computes each tenant's
// overage beyond the plan allowance and creates exactly one invoicing line
// item per (month, tenant), gated by the persisted OverageRun marker.
// Tenants within one run are reconciled concurrently; the marker claim is the
// only serialization boundary.
type BillingReconciler struct {
	pool        *ants.PoolWithFunc
	usageRepo   storage.UsageRepo
	overageRepo storage.OverageRepo
	directory   TenantDirectory
	invoicing   client.InvoicingClient
	currency    string
	baseLogger  *zap.Logger
}

// NewBillingReconciler creates the reconciler and its worker pool.
func NewBillingReconciler(
	cfg config.BillingConfig,
	currency string,
	usageRepo storage.UsageRepo,
	overageRepo storage.OverageRepo,
	directory TenantDirectory,
	invoicing client.InvoicingClient,
	baseLogger *zap.Logger,
) (*BillingReconciler, error) {
	reconciler := &BillingReconciler{
		usageRepo:   usageRepo,
		overageRepo: overageRepo,
		directory:   directory,
		invoicing:   invoicing,
		currency:    currency,
		baseLogger:  baseLogger.Named("billing_reconciler"),
	}

	pool, err := ants.NewPoolWithFunc(cfg.ReconcileConcurrency, func(i interface{}) {
		task, ok := i.(reconcileTask)
		if !ok {
			reconciler.baseLogger.Error("Invalid task data type received", zap.Any("data", i))
			return
		}
		defer task.wg.Done()
		reconciler.reconcileTenant(task)
	},
		ants.WithNonblocking(false),
		ants.WithPanicHandler(func(err interface{}) {
			reconciler.baseLogger.Error("Panic recovered in billing reconciler", zap.Any("panic_error", err), zap.Stack("stack"))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconcile worker pool: %w", err)
	}
	reconciler.pool = pool
	reconciler.baseLogger.Info("Billing reconciler initialized",
		zap.Int("concurrency", cfg.ReconcileConcurrency),
		zap.String("currency", currency))
	return reconciler, nil
}

// Reconcile runs overage billing for every usage row of the month and reports
// what was created and what was skipped. Safe to call repeatedly for the same
// month: tenants already reconciled are skipped with reason already_run.
func (r *BillingReconciler) Reconcile(ctx context.Context, month string) (*model.ReconcileReport, error) {
	if err := validateMonthKey(month); err != nil {
		return nil, err
	}

	startTime := time.Now()
	log := logger.FromContextOr(ctx, r.baseLogger).With(zap.String("month", month))

	records, err := r.usageRepo.ListMonthUsage(ctx, month)
	if err != nil {
		observer.IncReconcileRun("error")
		return nil, fmt.Errorf("listing usage for month %s: %w", month, err)
	}
	log.Info("Reconciling month", zap.Int("usage_row_count", len(records)))

	out := &reconcileCollector{}
	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		task := reconcileTask{ctx: ctx, month: month, usage: record, out: out, wg: &wg}
		if invokeErr := r.pool.Invoke(task); invokeErr != nil {
			wg.Done()
			log.Error("Failed to submit reconcile task",
				zap.String("tenant_id", record.TenantID),
				zap.Error(invokeErr))
			out.skip(record.TenantID, model.SkipInvoicingError)
		}
	}
	wg.Wait()

	report := out.report(month)
	duration := time.Since(startTime)
	observer.ObserveReconcileDuration(duration)
	observer.IncReconcileRun("success")
	log.Info("Reconciliation finished",
		zap.Int("lines_created", len(report.Created)),
		zap.Int("tenants_skipped", len(report.Skipped)),
		zap.Duration("duration", duration))
	return report, nil
}

// reconcileTenant settles one usage row. Outcomes land in the task collector.
func (r *BillingReconciler) reconcileTenant(task reconcileTask) {
	log := logger.FromContextOr(task.ctx, r.baseLogger).With(
		zap.String("month", task.month),
		zap.String("tenant_id", task.usage.TenantID))

	t, err := r.directory.ResolveByID(task.usage.TenantID)
	if err != nil {
		log.Warn("Usage belongs to a tenant that is no longer registered, leaving it unbilled")
		task.out.skip(task.usage.TenantID, model.SkipUnknownTenant)
		return
	}
	if !t.Billable() {
		log.Info("Tenant has no billing account, leaving usage unbilled")
		task.out.skip(t.TenantID, model.SkipNoBillingAccount)
		return
	}

	ctx := tenant.WithTenantID(task.ctx, t.TenantID)
	marker, alreadyRan, err := r.overageRepo.RunOverageOnce(ctx, task.month, t.TenantID,
		func(ctx context.Context, usage model.UsageRecord) (model.OverageRun, error) {
			return r.billOverage(ctx, t, task.month, usage)
		})
	if err != nil {
		// No marker was written, so a later run retries this tenant.
		log.Error("Overage reconciliation failed for tenant", zap.Error(err))
		task.out.skip(t.TenantID, model.SkipInvoicingError)
		return
	}
	if alreadyRan {
		log.Info("Overage already reconciled for this month",
			zap.String("line_item_id", marker.LineItemID))
		task.out.skip(t.TenantID, model.SkipAlreadyRun)
		return
	}
	if marker.LineItemID == "" {
		log.Info("Usage within allowance, marker written without a line item",
			zap.Int64("outbound_count", task.usage.OutboundCount))
		task.out.skip(t.TenantID, model.SkipNoExtra)
		return
	}

	log.Info("Overage line item created",
		zap.Int64("extra_count", marker.ExtraCount),
		zap.Int64("amount_minor", marker.AmountMinor),
		zap.String("line_item_id", marker.LineItemID))
	task.out.line(model.OverageLine{
		TenantID:    t.TenantID,
		ExtraCount:  marker.ExtraCount,
		AmountMinor: marker.AmountMinor,
		Currency:    marker.Currency,
		LineItemID:  marker.LineItemID,
	})
}

// billOverage computes the overage for one tenant and creates the line item.
// It runs while the marker claim is held; returning an error rolls the claim
// back. The usage row is the one read inside the claim transaction.
func (r *BillingReconciler) billOverage(ctx context.Context, t *model.Tenant, month string, usage model.UsageRecord) (model.OverageRun, error) {
	extra := usage.OutboundCount - t.MonthlyIncludedMessages
	if extra < 0 {
		extra = 0
	}
	amount := extra * t.OverageUnitPrice

	run := model.OverageRun{
		ExtraCount:     extra,
		UnitPriceMinor: t.OverageUnitPrice,
		AmountMinor:    amount,
		Currency:       r.currency,
	}

	detail, err := json.Marshal(map[string]interface{}{
		"outbound_count":    usage.OutboundCount,
		"included_messages": t.MonthlyIncludedMessages,
		"plan":              t.Plan,
	})
	if err != nil {
		return model.OverageRun{}, fmt.Errorf("encoding overage detail: %w", err)
	}
	run.Detail = datatypes.JSON(detail)

	if amount == 0 {
		// Within the allowance (or priced at zero). The marker still closes
		// the month for this tenant so a later correction is not re-billed.
		return run, nil
	}

	description := fmt.Sprintf("SMS overage %s: %d messages beyond the included %d",
		month, extra, t.MonthlyIncludedMessages)
	lineItemID, err := r.invoicing.CreateLineItem(ctx, t.BillingAccountID, amount, r.currency, description, map[string]string{
		"tenant_id":  t.TenantID,
		"month":      month,
		"extra":      strconv.FormatInt(extra, 10),
		"unit_price": strconv.FormatInt(t.OverageUnitPrice, 10),
	})
	if err != nil {
		return model.OverageRun{}, err
	}
	run.LineItemID = lineItemID
	return run, nil
}

// Stop gracefully shuts down the reconcile worker pool.
func (r *BillingReconciler) Stop() {
	if r.pool != nil {
		r.baseLogger.Info("Releasing reconcile worker pool")
		r.pool.Release()
	}
}

// reconcileCollector aggregates per-tenant outcomes from the worker pool.
type reconcileCollector struct {
	mu      sync.Mutex
	created []model.OverageLine
	skipped []model.SkippedTenant
}

func (c *reconcileCollector) line(l model.OverageLine) {
	observer.IncOverageLineCreated(l.TenantID)
	c.mu.Lock()
	c.created = append(c.created, l)
	c.mu.Unlock()
}

func (c *reconcileCollector) skip(tenantID string, reason model.SkipReason) {
	observer.IncReconcileSkip(tenantID, string(reason))
	c.mu.Lock()
	c.skipped = append(c.skipped, model.SkippedTenant{TenantID: tenantID, Reason: reason})
	c.mu.Unlock()
}

// report sorts both outcome lists by tenant id so runs are comparable.
func (c *reconcileCollector) report(month string) *model.ReconcileReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.Slice(c.created, func(i, j int) bool { return c.created[i].TenantID < c.created[j].TenantID })
	sort.Slice(c.skipped, func(i, j int) bool { return c.skipped[i].TenantID < c.skipped[j].TenantID })
	return &model.ReconcileReport{
		Month:   month,
		Created: append([]model.OverageLine{}, c.created...),
		Skipped: append([]model.SkippedTenant{}, c.skipped...),
	}
}
