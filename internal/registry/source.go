package registry

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/config"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
)

// Source produces the full tenant table for a registry reload.
type Source interface {
	Load(ctx context.Context) ([]model.Tenant, error)
}

// Tenant table column names. Column order in the file does not matter.
const (
	colTenantID            = "tenant_id"
	colVirtualNumber       = "virtual_number"
	colAgentID             = "agent_id"
	colPlan                = "plan"
	colIncludedMessages    = "included_messages"
	colOverageUnitPrice    = "overage_unit_price"
	colBillingAccountID    = "billing_account_id"
	colFallbackOpeningLine = "fallback_opening_line"
)

// FileSource loads the tenant table from a CSV file. Allowance and pricing
// cells may be left empty, in which case the plan catalog supplies them; an
// empty fallback line falls back to the configured default.
type FileSource struct {
	path         string
	billing      config.BillingConfig
	fallbackLine string
}

// NewFileSource creates a CSV-backed tenant table source.
func NewFileSource(path string, billing config.BillingConfig, defaultFallbackLine string) *FileSource {
	return &FileSource{
		path:         path,
		billing:      billing,
		fallbackLine: defaultFallbackLine,
	}
}

// Load parses the whole file. Any read or parse error fails the load as a
// unit so a half-read table never replaces a good one.
func (s *FileSource) Load(ctx context.Context) ([]model.Tenant, error) {
	log := logger.FromContext(ctx)

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening tenant table: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading tenant table header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{colTenantID, colVirtualNumber} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("tenant table is missing required column %q", required)
		}
	}

	var tenants []model.Tenant
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("reading tenant table line %d: %w", line, err)
		}

		cell := func(name string) string {
			idx, ok := cols[name]
			if !ok || idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		tenantID := cell(colTenantID)
		plan, planCfg := s.resolvePlan(log, tenantID, cell(colPlan))

		fallback := cell(colFallbackOpeningLine)
		if fallback == "" {
			fallback = s.fallbackLine
		}

		tenants = append(tenants, model.Tenant{
			TenantID:                tenantID,
			VirtualNumber:           cell(colVirtualNumber),
			AgentID:                 cell(colAgentID),
			Plan:                    plan,
			MonthlyIncludedMessages: s.resolveCount(log, tenantID, colIncludedMessages, cell(colIncludedMessages), planCfg.IncludedMessages),
			OverageUnitPrice:        s.resolveCount(log, tenantID, colOverageUnitPrice, cell(colOverageUnitPrice), planCfg.OverageUnitPrice),
			BillingAccountID:        cell(colBillingAccountID),
			FallbackOpeningLine:     fallback,
		})
	}

	return tenants, nil
}

// resolvePlan maps the plan cell onto the plan catalog. Unknown plan names
// keep the tenant routable but leave allowance and pricing at zero unless the
// row overrides them explicitly.
func (s *FileSource) resolvePlan(log *zap.Logger, tenantID, raw string) (model.Plan, config.PlanConfig) {
	switch model.Plan(strings.ToLower(raw)) {
	case model.PlanBasic:
		return model.PlanBasic, s.billing.Basic
	case model.PlanAdvanced:
		return model.PlanAdvanced, s.billing.Advanced
	case model.PlanNone:
		return model.PlanNone, config.PlanConfig{}
	default:
		log.Warn("Unknown plan in tenant table, treating as unset",
			zap.String("tenant_id", tenantID),
			zap.String("plan", raw))
		return model.PlanNone, config.PlanConfig{}
	}
}

// resolveCount parses a numeric cell, falling back to the plan-derived value
// when the cell is empty or unusable.
func (s *FileSource) resolveCount(log *zap.Logger, tenantID, column, raw string, planValue int64) int64 {
	if raw == "" {
		return planValue
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		log.Warn("Invalid numeric cell in tenant table, using plan value",
			zap.String("tenant_id", tenantID),
			zap.String("column", column),
			zap.String("value", raw))
		return planValue
	}
	return v
}
