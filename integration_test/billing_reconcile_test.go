package integration_test

import (
	"time"

	"golang.org/x/sync/errgroup"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
	"gitlab.com/textlane/api/sms-agent-relay/internal/client"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/registry"
	"gitlab.com/textlane/api/sms-agent-relay/internal/usecase"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
)

// newReconciler wires the production reconciler and invoicing client against
// the invoicing fake.
func (s *RelaySuite) newReconciler(reg *registry.Registry, invoicingURL string) *usecase.BillingReconciler {
	invoicingClient := client.NewInvoicingAPIClient(invoicingURL, "test-token", 5*time.Second)
	reconciler, err := usecase.NewBillingReconciler(
		testBillingConfig(), testCurrency, s.Repo, s.Repo, reg, invoicingClient, logger.Log)
	s.Require().NoError(err, "Failed to build reconciler")
	s.T().Cleanup(reconciler.Stop)
	return reconciler
}

// requireSkipReason asserts the report skipped a tenant for the given reason.
func (s *RelaySuite) requireSkipReason(report *model.ReconcileReport, tenantID string, want model.SkipReason) {
	s.T().Helper()
	for _, skipped := range report.Skipped {
		if skipped.TenantID == tenantID {
			s.Require().Equal(want, skipped.Reason, "Skip reason for %s", tenantID)
			return
		}
	}
	s.Require().Failf("missing skip entry", "tenant %s not in skipped list: %v", tenantID, report.Skipped)
}

// TestReconcileBillsOverageOnce closes a month with one tenant over its
// allowance, one within it, and one without a billing account, then reruns
// the same month and expects no second line item.
func (s *RelaySuite) TestReconcileBillsOverageOnce() {
	month := "2026-04"
	reg := loadRegistry(s.Ctx, s.T(), []tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", Plan: "basic", BillingAccountID: "acct-alpha"},
		{TenantID: "tenant_beta", VirtualNumber: "32460000002", Plan: "basic", BillingAccountID: "acct-beta"},
		{TenantID: "tenant_gamma", VirtualNumber: "32460000003", Plan: "basic"},
	})
	invoicing, invoicingSrv := newFakeInvoicing(s.T())
	reconciler := s.newReconciler(reg, invoicingSrv.URL)

	s.seedUsage("tenant_alpha", month, 235) // 35 beyond the basic allowance
	s.seedUsage("tenant_beta", month, 50)   // within allowance
	s.seedUsage("tenant_gamma", month, 400) // over, but nowhere to bill

	report, err := reconciler.Reconcile(s.Ctx, month)
	s.Require().NoError(err)

	s.Require().Len(report.Created, 1)
	line := report.Created[0]
	s.Require().Equal("tenant_alpha", line.TenantID)
	s.Require().EqualValues(35, line.ExtraCount)
	s.Require().EqualValues(35*19, line.AmountMinor)
	s.Require().Equal(testCurrency, line.Currency)
	s.Require().NotEmpty(line.LineItemID)

	s.requireSkipReason(report, "tenant_beta", model.SkipNoExtra)
	s.requireSkipReason(report, "tenant_gamma", model.SkipNoBillingAccount)

	items := invoicing.created()
	s.Require().Len(items, 1)
	s.Require().Equal("acct-alpha", items[0].Account)
	s.Require().EqualValues(35*19, items[0].AmountMinor)
	s.Require().Equal("tenant_alpha", items[0].Metadata["tenant_id"])
	s.Require().Equal(month, items[0].Metadata["month"])

	// Markers close the month for billed and within-allowance tenants alike;
	// the tenant without a billing account stays unmarked.
	s.Require().EqualValues(2, s.overageRunCount(month))

	report, err = reconciler.Reconcile(s.Ctx, month)
	s.Require().NoError(err)
	s.Require().Empty(report.Created)
	s.requireSkipReason(report, "tenant_alpha", model.SkipAlreadyRun)
	s.requireSkipReason(report, "tenant_beta", model.SkipAlreadyRun)
	s.Require().Len(invoicing.created(), 1, "Rerunning a closed month must not bill again")
}

// TestReconcileRetriesTenantAfterInvoicingFailure fails the first create call
// and expects the claim to roll back so the next run can bill the tenant.
func (s *RelaySuite) TestReconcileRetriesTenantAfterInvoicingFailure() {
	month := "2026-04"
	reg := loadRegistry(s.Ctx, s.T(), []tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", Plan: "basic", BillingAccountID: "acct-alpha"},
	})
	invoicing, invoicingSrv := newFakeInvoicing(s.T())
	reconciler := s.newReconciler(reg, invoicingSrv.URL)

	s.seedUsage("tenant_alpha", month, 321) // 121 beyond the basic allowance

	invoicing.failNextCreates(1)
	report, err := reconciler.Reconcile(s.Ctx, month)
	s.Require().NoError(err, "One failing tenant does not fail the run")
	s.Require().Empty(report.Created)
	s.requireSkipReason(report, "tenant_alpha", model.SkipInvoicingError)

	_, err = s.Repo.GetOverageRun(s.Ctx, month, "tenant_alpha")
	s.Require().ErrorIs(err, apperrors.ErrNotFound, "A failed attempt must leave no marker")

	report, err = reconciler.Reconcile(s.Ctx, month)
	s.Require().NoError(err)
	s.Require().Len(report.Created, 1)
	s.Require().EqualValues(121, report.Created[0].ExtraCount)
	s.Require().Len(invoicing.created(), 1)

	run, err := s.Repo.GetOverageRun(s.Ctx, month, "tenant_alpha")
	s.Require().NoError(err)
	s.Require().Equal(report.Created[0].LineItemID, run.LineItemID)
	s.Require().EqualValues(121*19, run.AmountMinor)
}

// TestConcurrentReconcilesBillEachTenantOnce races two full runs over the
// same month. The marker claim serializes per tenant, so every tenant is
// billed by exactly one of the runs.
func (s *RelaySuite) TestConcurrentReconcilesBillEachTenantOnce() {
	month := "2026-04"
	rows := []tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", Plan: "basic", BillingAccountID: "acct-alpha"},
		{TenantID: "tenant_beta", VirtualNumber: "32460000002", Plan: "basic", BillingAccountID: "acct-beta"},
		{TenantID: "tenant_gamma", VirtualNumber: "32460000003", Plan: "basic", BillingAccountID: "acct-gamma"},
	}
	reg := loadRegistry(s.Ctx, s.T(), rows)
	invoicing, invoicingSrv := newFakeInvoicing(s.T())
	reconciler := s.newReconciler(reg, invoicingSrv.URL)

	for _, row := range rows {
		s.seedUsage(row.TenantID, month, 300)
	}

	reports := make([]*model.ReconcileReport, 2)
	g, gctx := errgroup.WithContext(s.Ctx)
	for i := range reports {
		g.Go(func() error {
			report, err := reconciler.Reconcile(gctx, month)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	s.Require().NoError(g.Wait())

	createdBy := make(map[string]int)
	for _, report := range reports {
		for _, line := range report.Created {
			createdBy[line.TenantID]++
		}
	}
	for _, row := range rows {
		s.Require().Equal(1, createdBy[row.TenantID], "Tenant %s must be billed exactly once", row.TenantID)
	}
	s.Require().Len(invoicing.created(), len(rows))
	s.Require().EqualValues(len(rows), s.overageRunCount(month))
}

// TestReconcileLeavesUnknownTenantUsageUnbilled covers counters left behind
// by tenants that are no longer in the registry: reported as skipped, never
// billed, never marked, and kept for audit.
func (s *RelaySuite) TestReconcileLeavesUnknownTenantUsageUnbilled() {
	month := "2026-04"
	reg := loadRegistry(s.Ctx, s.T(), []tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", Plan: "basic", BillingAccountID: "acct-alpha"},
	})
	invoicing, invoicingSrv := newFakeInvoicing(s.T())
	reconciler := s.newReconciler(reg, invoicingSrv.URL)

	s.seedUsage("tenant_removed", month, 500)

	report, err := reconciler.Reconcile(s.Ctx, month)
	s.Require().NoError(err)
	s.Require().Empty(report.Created)
	s.requireSkipReason(report, "tenant_removed", model.SkipUnknownTenant)
	s.Require().Empty(invoicing.created())
	s.Require().Zero(s.overageRunCount(month))

	s.Require().EqualValues(500, s.outboundCount("tenant_removed", month))
}
