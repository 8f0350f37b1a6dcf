package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/textlane/api/sms-agent-relay/internal/config"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
)

const defaultLine = "Bedankt voor uw bericht. We nemen zo snel mogelijk contact met u op."

func billingCatalog() config.BillingConfig {
	return config.BillingConfig{
		Basic:                config.PlanConfig{IncludedMessages: 200, OverageUnitPrice: 19},
		Advanced:             config.PlanConfig{IncludedMessages: 1000, OverageUnitPrice: 12},
		ReconcileConcurrency: 4,
	}
}

func writeTenantTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileSource_Load(t *testing.T) {
	path := writeTenantTable(t, `tenant_id,virtual_number,agent_id,plan,included_messages,overage_unit_price,billing_account_id,fallback_opening_line
t1,32460000001,agent-1,basic,,,ba-1,Hallo daar
t2,32460000002,,advanced,,,ba-2,
t3,32460000003,agent-3,basic,500,25,,Custom line
`)
	source := NewFileSource(path, billingCatalog(), defaultLine)

	tenants, err := source.Load(testCtx(t))
	require.NoError(t, err)
	require.Len(t, tenants, 3)

	t1 := tenants[0]
	assert.Equal(t, "t1", t1.TenantID)
	assert.Equal(t, "32460000001", t1.VirtualNumber)
	assert.Equal(t, "agent-1", t1.AgentID)
	assert.Equal(t, model.PlanBasic, t1.Plan)
	assert.Equal(t, int64(200), t1.MonthlyIncludedMessages, "plan default")
	assert.Equal(t, int64(19), t1.OverageUnitPrice, "plan default")
	assert.Equal(t, "ba-1", t1.BillingAccountID)
	assert.Equal(t, "Hallo daar", t1.FallbackOpeningLine)

	t2 := tenants[1]
	assert.Empty(t, t2.AgentID)
	assert.Equal(t, model.PlanAdvanced, t2.Plan)
	assert.Equal(t, int64(1000), t2.MonthlyIncludedMessages)
	assert.Equal(t, int64(12), t2.OverageUnitPrice)
	assert.Equal(t, defaultLine, t2.FallbackOpeningLine, "empty cell uses the configured default")

	t3 := tenants[2]
	assert.Equal(t, int64(500), t3.MonthlyIncludedMessages, "explicit cell beats plan default")
	assert.Equal(t, int64(25), t3.OverageUnitPrice)
	assert.Empty(t, t3.BillingAccountID)
}

func TestFileSource_ColumnOrderIndependent(t *testing.T) {
	path := writeTenantTable(t, `fallback_opening_line,plan,tenant_id,billing_account_id,virtual_number,agent_id,overage_unit_price,included_messages
Hallo,advanced,t1,ba-1,32460000001,agent-1,,
`)
	source := NewFileSource(path, billingCatalog(), defaultLine)

	tenants, err := source.Load(testCtx(t))
	require.NoError(t, err)
	require.Len(t, tenants, 1)

	assert.Equal(t, "t1", tenants[0].TenantID)
	assert.Equal(t, "32460000001", tenants[0].VirtualNumber)
	assert.Equal(t, model.PlanAdvanced, tenants[0].Plan)
	assert.Equal(t, int64(1000), tenants[0].MonthlyIncludedMessages)
}

func TestFileSource_UnknownPlanTreatedAsUnset(t *testing.T) {
	path := writeTenantTable(t, `tenant_id,virtual_number,agent_id,plan,included_messages,overage_unit_price,billing_account_id,fallback_opening_line
t1,32460000001,,premium,,,ba-1,Hallo
t2,32460000002,,premium,300,15,ba-2,Hallo
`)
	source := NewFileSource(path, billingCatalog(), defaultLine)

	tenants, err := source.Load(testCtx(t))
	require.NoError(t, err)
	require.Len(t, tenants, 2)

	assert.Equal(t, model.PlanNone, tenants[0].Plan)
	assert.Zero(t, tenants[0].MonthlyIncludedMessages)
	assert.Zero(t, tenants[0].OverageUnitPrice)

	// Explicit cells still apply without a recognized plan.
	assert.Equal(t, int64(300), tenants[1].MonthlyIncludedMessages)
	assert.Equal(t, int64(15), tenants[1].OverageUnitPrice)
}

func TestFileSource_InvalidNumericCellFallsBack(t *testing.T) {
	path := writeTenantTable(t, `tenant_id,virtual_number,agent_id,plan,included_messages,overage_unit_price,billing_account_id,fallback_opening_line
t1,32460000001,,basic,lots,-3,ba-1,Hallo
`)
	source := NewFileSource(path, billingCatalog(), defaultLine)

	tenants, err := source.Load(testCtx(t))
	require.NoError(t, err)
	require.Len(t, tenants, 1)

	assert.Equal(t, int64(200), tenants[0].MonthlyIncludedMessages)
	assert.Equal(t, int64(19), tenants[0].OverageUnitPrice)
}

func TestFileSource_MissingFile(t *testing.T) {
	source := NewFileSource(filepath.Join(t.TempDir(), "absent.csv"), billingCatalog(), defaultLine)

	_, err := source.Load(testCtx(t))
	require.Error(t, err)
}

func TestFileSource_MissingRequiredColumn(t *testing.T) {
	path := writeTenantTable(t, `tenant_id,agent_id,plan
t1,agent-1,basic
`)
	source := NewFileSource(path, billingCatalog(), defaultLine)

	_, err := source.Load(testCtx(t))
	require.ErrorContains(t, err, "virtual_number")
}

func TestFileSource_MalformedRowFailsLoad(t *testing.T) {
	path := writeTenantTable(t, `tenant_id,virtual_number,agent_id,plan,included_messages,overage_unit_price,billing_account_id,fallback_opening_line
t1,32460000001,agent-1,basic,,,ba-1,Hallo
t2,32460000002
`)
	source := NewFileSource(path, billingCatalog(), defaultLine)

	_, err := source.Load(testCtx(t))
	require.Error(t, err, "short row must fail the load as a unit")
}
