package integration_test

import (
	"sync/atomic"

	"github.com/sourcegraph/conc/iter"

	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/usecase"
)

// TestConcurrentIncrementsAllLand races many confirmed sends onto one
// (tenant, month) counter. The upsert is a single atomic statement, so the
// final count must equal the number of sends with no increment lost.
func (s *RelaySuite) TestConcurrentIncrementsAllLand() {
	const sends = 120
	month := "2026-05"

	var failed atomic.Int64
	pool := iter.Iterator[int]{MaxGoroutines: 16}
	pool.ForEach(make([]int, sends), func(_ *int) {
		if _, err := s.Repo.IncrementOutbound(s.Ctx, "tenant_alpha", month); err != nil {
			failed.Add(1)
		}
	})

	s.Require().Zero(failed.Load(), "No concurrent increment may fail")
	s.Require().EqualValues(sends, s.outboundCount("tenant_alpha", month))
}

// TestCountersAreIsolatedByTenantAndMonth interleaves sends across tenants
// and months and expects each counter to accrue independently.
func (s *RelaySuite) TestCountersAreIsolatedByTenantAndMonth() {
	type send struct {
		tenantID string
		month    string
	}

	var plan []send
	for i := 0; i < 40; i++ {
		plan = append(plan, send{"tenant_alpha", "2026-05"})
	}
	for i := 0; i < 25; i++ {
		plan = append(plan, send{"tenant_alpha", "2026-06"})
	}
	for i := 0; i < 10; i++ {
		plan = append(plan, send{"tenant_beta", "2026-05"})
	}

	var failed atomic.Int64
	pool := iter.Iterator[send]{MaxGoroutines: 8}
	pool.ForEach(plan, func(sd *send) {
		if _, err := s.Repo.IncrementOutbound(s.Ctx, sd.tenantID, sd.month); err != nil {
			failed.Add(1)
		}
	})

	s.Require().Zero(failed.Load())
	s.Require().EqualValues(40, s.outboundCount("tenant_alpha", "2026-05"))
	s.Require().EqualValues(25, s.outboundCount("tenant_alpha", "2026-06"))
	s.Require().EqualValues(10, s.outboundCount("tenant_beta", "2026-05"))
}

// TestIncrementReturnsTheNewCount confirms the RETURNING clause hands back
// the post-increment value, which the dispatcher logs after each send.
func (s *RelaySuite) TestIncrementReturnsTheNewCount() {
	month := "2026-05"
	for want := int64(1); want <= 3; want++ {
		got, err := s.Repo.IncrementOutbound(s.Ctx, "tenant_alpha", month)
		s.Require().NoError(err)
		s.Require().Equal(want, got)
	}
}

// TestAdjustClampsAtZero drives the counter down past zero and expects the
// clamp to hold, both on existing rows and on rows the adjustment creates.
func (s *RelaySuite) TestAdjustClampsAtZero() {
	month := "2026-05"
	for i := 0; i < 3; i++ {
		_, err := s.Repo.IncrementOutbound(s.Ctx, "tenant_alpha", month)
		s.Require().NoError(err)
	}

	count, err := s.Repo.AdjustOutbound(s.Ctx, "tenant_alpha", month, -10)
	s.Require().NoError(err)
	s.Require().Zero(count, "Downward correction clamps at zero")

	count, err = s.Repo.AdjustOutbound(s.Ctx, "tenant_alpha", month, 5)
	s.Require().NoError(err)
	s.Require().EqualValues(5, count)

	// A negative correction on a counter that never existed creates the row at zero.
	count, err = s.Repo.AdjustOutbound(s.Ctx, "tenant_ghost", month, -4)
	s.Require().NoError(err)
	s.Require().Zero(count)
	s.Require().Zero(s.outboundCount("tenant_ghost", month))
}

// TestUsageReportJoinsRegistry runs the meter's report against real counter
// rows: registered tenants appear even with no sends, and orphaned usage from
// a removed tenant is reported rather than hidden.
func (s *RelaySuite) TestUsageReportJoinsRegistry() {
	month := "2026-05"
	reg := loadRegistry(s.Ctx, s.T(), []tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", Plan: "basic", BillingAccountID: "acct-alpha"},
		{TenantID: "tenant_beta", VirtualNumber: "32460000002", Plan: "advanced"},
	})
	meter := usecase.NewUsageMeter(s.Repo, reg)

	s.seedUsage("tenant_alpha", month, 235)
	s.seedUsage("tenant_gone", month, 12) // left behind by a since-removed tenant

	lines, err := meter.Report(s.Ctx, month)
	s.Require().NoError(err)
	s.Require().Len(lines, 3)

	byTenant := make(map[string]model.UsageReportLine, len(lines))
	for _, line := range lines {
		byTenant[line.TenantID] = line
	}

	alpha := byTenant["tenant_alpha"]
	s.Require().True(alpha.Registered)
	s.Require().EqualValues(235, alpha.OutboundCount)
	s.Require().EqualValues(200, alpha.IncludedMessages)
	s.Require().EqualValues(35, alpha.ProjectedExtra)
	s.Require().EqualValues(35*19, alpha.ProjectedAmountMinor)
	s.Require().True(alpha.Billable)

	beta := byTenant["tenant_beta"]
	s.Require().True(beta.Registered)
	s.Require().Zero(beta.OutboundCount, "Registered tenants appear even without sends")
	s.Require().False(beta.Billable)

	gone := byTenant["tenant_gone"]
	s.Require().False(gone.Registered, "Orphaned usage is reported, not hidden")
	s.Require().EqualValues(12, gone.OutboundCount)
}
