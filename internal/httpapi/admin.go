package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/observer"
	"gitlab.com/textlane/api/sms-agent-relay/internal/validator"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

// UsageService is the slice of the usage meter the admin surface needs.
type UsageService interface {
	Report(ctx context.Context, month string) ([]model.UsageReportLine, error)
	Adjust(ctx context.Context, tenantID, month string, delta int64) (int64, error)
}

// TenantReloader swaps in a fresh tenant snapshot on demand.
type TenantReloader interface {
	Reload(ctx context.Context) (int, error)
}

// Reconciler turns a closed month's usage into overage line items.
type Reconciler interface {
	Reconcile(ctx context.Context, month string) (*model.ReconcileReport, error)
}

// AdminHandler exposes the operator surface: usage reports, manual usage
// adjustments, tenant table reloads, and billing reconciliation triggers.
type AdminHandler struct {
	token   string
	usage   UsageService
	tenants TenantReloader
	billing Reconciler
}

// NewAdminHandler creates the admin handler. An empty token disables the
// whole surface at the middleware.
func NewAdminHandler(token string, usage UsageService, tenants TenantReloader, billing Reconciler) *AdminHandler {
	return &AdminHandler{
		token:   token,
		usage:   usage,
		tenants: tenants,
		billing: billing,
	}
}

// SetupAdminRoutes registers the token-gated operator routes.
func (h *AdminHandler) SetupAdminRoutes(router *mux.Router) {
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(AdminTokenMiddleware(h.token))

	admin.HandleFunc("/usage", h.HandleUsageReport).Methods(http.MethodGet)
	admin.HandleFunc("/usage/adjust", h.HandleUsageAdjust).Methods(http.MethodPost)
	admin.HandleFunc("/tenants/reload", h.HandleTenantsReload).Methods(http.MethodPost)
	admin.HandleFunc("/billing/reconcile", h.HandleReconcile).Methods(http.MethodPost)
}

// AdjustUsageRequest is the POST /admin/usage/adjust body. The delta is a
// signed correction; reason is recorded in the log line, not the store.
type AdjustUsageRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Month    string `json:"month" validate:"required,month_key"`
	Delta    int64  `json:"delta" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
}

// ReconcileRequest is the optional POST /admin/billing/reconcile body.
type ReconcileRequest struct {
	Month string `json:"month" validate:"omitempty,month_key"`
}

type usageReportResponse struct {
	Month string                  `json:"month"`
	Lines []model.UsageReportLine `json:"lines"`
}

type adjustUsageResponse struct {
	TenantID      string `json:"tenant_id"`
	Month         string `json:"month"`
	OutboundCount int64  `json:"outbound_count"`
}

type reloadResponse struct {
	Count int `json:"count"`
}

// HandleUsageReport serves GET /admin/usage?month=YYYY-MM. The month defaults
// to the current UTC month, covering the common "where are we now" check.
func (h *AdminHandler) HandleUsageReport(w http.ResponseWriter, r *http.Request) {
	month := r.URL.Query().Get("month")
	if month == "" {
		month = model.MonthKey(utils.Now())
	}

	lines, err := h.usage.Report(r.Context(), month)
	if err != nil {
		logger.FromContext(r.Context()).Error("Usage report failed",
			zap.String("month", month), zap.Error(err))
		respondServiceError(w, err)
		return
	}

	utils.WriteJSONResponse(w, http.StatusOK, usageReportResponse{Month: month, Lines: lines})
}

// HandleUsageAdjust serves POST /admin/usage/adjust.
func (h *AdminHandler) HandleUsageAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustUsageRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	newCount, err := h.usage.Adjust(r.Context(), req.TenantID, req.Month, req.Delta)
	if err != nil {
		logger.FromContext(r.Context()).Error("Usage adjustment failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("month", req.Month),
			zap.Error(err))
		respondServiceError(w, err)
		return
	}

	logger.FromContext(r.Context()).Info("Usage adjusted",
		zap.String("tenant_id", req.TenantID),
		zap.String("month", req.Month),
		zap.Int64("delta", req.Delta),
		zap.Int64("outbound_count", newCount),
		zap.String("reason", req.Reason))

	utils.WriteJSONResponse(w, http.StatusOK, adjustUsageResponse{
		TenantID:      req.TenantID,
		Month:         req.Month,
		OutboundCount: newCount,
	})
}

// HandleTenantsReload serves POST /admin/tenants/reload. A source failure
// leaves the live table untouched and reports 502.
func (h *AdminHandler) HandleTenantsReload(w http.ResponseWriter, r *http.Request) {
	count, err := h.tenants.Reload(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("Tenant reload failed", zap.Error(err))
		observer.IncTenantReload("error")
		respondError(w, http.StatusBadGateway, "tenant reload failed: "+err.Error())
		return
	}

	observer.IncTenantReload("success")
	observer.SetTenantsLoaded(count)
	utils.WriteJSONResponse(w, http.StatusOK, reloadResponse{Count: count})
}

// HandleReconcile serves POST /admin/billing/reconcile. Without an explicit
// month it closes the previous UTC month, the usual cadence for this trigger.
func (h *AdminHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	// The body is optional; an empty one means "close the previous month".
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return
	}
	if err := validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	month := req.Month
	if month == "" {
		month = model.MonthKey(utils.PreviousMonth(utils.Now()))
	}

	report, err := h.billing.Reconcile(r.Context(), month)
	if err != nil {
		logger.FromContext(r.Context()).Error("Reconciliation failed",
			zap.String("month", month), zap.Error(err))
		respondServiceError(w, err)
		return
	}

	utils.WriteJSONResponse(w, http.StatusOK, report)
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondError(w http.ResponseWriter, status int, message string) {
	utils.WriteJSONResponse(w, status, errorResponse{Error: message})
}

// respondServiceError maps the error taxonomy onto admin status codes:
// caller mistakes are 400/404, everything downstream is 502.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.IsBadRequestError(err) || apperrors.IsValidationError(err):
		respondError(w, http.StatusBadRequest, err.Error())
	case apperrors.IsNotFoundError(err):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

// decodeAndValidate parses a JSON body into dst and runs struct validation,
// answering 400 itself when either step fails.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return false
	}
	if err := validator.Validate(dst); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
