package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	// Labels for inbound event metrics
	eventLabels = []string{"event_kind", "tenant"}
	// Labels for per-event outcome tracking
	eventOutcomeLabels = []string{"event_kind", "tenant", "outcome", "error_type"}

	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_events_received_total",
			Help: "Total number of inbound webhook events received, by classified kind.",
		},
		eventLabels,
	)
	EventOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_event_outcomes_total",
			Help: "Total count of terminal dispatch outcomes per inbound event, labeled by error type.",
		},
		eventOutcomeLabels,
	)
	EventProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sms_agent_relay_event_processing_duration_seconds",
			Help:    "Histogram of inbound event dispatch durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		eventLabels,
	)

	// Global metrics instance
	Metrics *metricsStore
)

// Outbound send and reply metrics
var (
	sendLabels     = []string{"tenant", "status"}
	fallbackLabels = []string{"tenant", "reason"}

	outboundSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_outbound_sends_total",
			Help: "Total number of outbound SMS send attempts, labeled by result status.",
		},
		sendLabels,
	)
	fallbackRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_fallback_replies_total",
			Help: "Total number of outbound messages that used the tenant fallback opening line, labeled by reason.",
		},
		fallbackLabels,
	)
)

// Conversation session cache metrics
var (
	sessionLookupLabels = []string{"tenant", "result"}
	sessionLabels       = []string{"tenant"}

	sessionLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_session_lookups_total",
			Help: "Total number of conversation session cache lookups, labeled hit or miss.",
		},
		sessionLookupLabels,
	)
	sessionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_sessions_created_total",
			Help: "Total number of conversation sessions created through the agent collaborator.",
		},
		sessionLabels,
	)
	sessionCreateFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_session_create_failures_total",
			Help: "Total number of failed conversation session creations.",
		},
		sessionLabels,
	)
)

// Usage metering and database metrics
var (
	usageLabels       = []string{"tenant", "status"}
	dbOperationLabels = []string{"operation", "entity", "tenant", "status"}

	usageIncrementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_usage_increments_total",
			Help: "Total number of monthly usage counter increments, labeled by result status.",
		},
		usageLabels,
	)
	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sms_agent_relay_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		dbOperationLabels,
	)
)

// Billing reconciliation metrics
var (
	reconcileRunLabels  = []string{"status"}
	reconcileSkipLabels = []string{"tenant", "reason"}

	reconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_reconcile_runs_total",
			Help: "Total number of billing reconciliation runs, labeled by result status.",
		},
		reconcileRunLabels,
	)
	overageLinesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_overage_lines_created_total",
			Help: "Total number of overage line items created with the invoicing collaborator.",
		},
		[]string{"tenant"},
	)
	reconcileSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_reconcile_skips_total",
			Help: "Total number of tenants skipped during reconciliation, labeled by skip reason.",
		},
		reconcileSkipLabels,
	)
	reconcileDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sms_agent_relay_reconcile_duration_seconds",
			Help:    "Histogram of full reconciliation run durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)
)

// Tenant registry metrics
var (
	tenantReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sms_agent_relay_tenant_reloads_total",
			Help: "Total number of tenant table reload attempts, labeled by result status.",
		},
		[]string{"status"},
	)
	tenantsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sms_agent_relay_tenants_loaded",
		Help: "Number of tenants in the live registry snapshot.",
	})
)

// Load generator metrics
var (
	loadgenLabels = []string{"tenant"}

	loadgenRequestsAttemptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_requests_attempted_total",
			Help: "Total number of webhook requests the load generator attempted to send.",
		},
		loadgenLabels,
	)
	loadgenRequestsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_requests_sent_total",
			Help: "Total number of webhook requests acknowledged by the target.",
		},
		loadgenLabels,
	)
	loadgenRequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_request_errors_total",
			Help: "Total number of errors encountered by the load generator while sending.",
		},
		loadgenLabels,
	)
)

// metricsStore holds references to all Prometheus metrics.
type metricsStore struct{}

// InitMetrics initializes and registers the Prometheus metrics if enabled.
// Call this function during application startup.
func InitMetrics(enabled bool) {
	if !enabled {
		metricsEnabled = false
		return
	}

	metricsEnabled = true

	// Metrics are auto-registered via promauto; the store exists for future
	// custom collectors or global labels.
	Metrics = &metricsStore{}
}

// IncEventReceived increments the received counter for a classified event.
func IncEventReceived(eventKind, tenant string) {
	if !metricsEnabled {
		return
	}
	EventsReceivedTotal.WithLabelValues(eventKind, sanitizeTenant(tenant)).Inc()
}

// IncEventOutcome increments the counter for a terminal dispatch outcome.
func IncEventOutcome(eventKind, tenant, outcome, errorType string) {
	if !metricsEnabled {
		return
	}
	EventOutcomesTotal.WithLabelValues(eventKind, sanitizeTenant(tenant), outcome, SanitizeErrorType(errorType)).Inc()
}

// ObserveEventProcessingDuration records the dispatch time for one event.
func ObserveEventProcessingDuration(eventKind, tenant string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	EventProcessingDurationSeconds.WithLabelValues(eventKind, sanitizeTenant(tenant)).Observe(duration.Seconds())
}

// sanitizeTenant ensures the tenant label is valid or returns a default value.
func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// --- Send and Reply Metric Helpers ---

// IncOutboundSend increments the send counter with a status derived from err.
func IncOutboundSend(tenant string, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	outboundSendsTotal.WithLabelValues(sanitizeTenant(tenant), status).Inc()
}

// IncFallbackReply increments the fallback reply counter.
func IncFallbackReply(tenant, reason string) {
	if !metricsEnabled {
		return
	}
	fallbackRepliesTotal.WithLabelValues(sanitizeTenant(tenant), reason).Inc()
}

// --- Session Cache Metric Helpers ---

// IncSessionLookup increments the session lookup counter with hit or miss.
func IncSessionLookup(tenant, result string) {
	if !metricsEnabled {
		return
	}
	sessionLookupsTotal.WithLabelValues(sanitizeTenant(tenant), result).Inc()
}

// IncSessionCreated increments the session creation counter.
func IncSessionCreated(tenant string) {
	if !metricsEnabled {
		return
	}
	sessionsCreatedTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
}

// IncSessionCreateFailure increments the failed session creation counter.
func IncSessionCreateFailure(tenant string) {
	if !metricsEnabled {
		return
	}
	sessionCreateFailuresTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
}

// --- Usage and Database Metric Helpers ---

// IncUsageIncrement increments the usage counter metric by result status.
func IncUsageIncrement(tenant string, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	usageIncrementsTotal.WithLabelValues(sanitizeTenant(tenant), status).Inc()
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, tenant string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(tenant), status).Observe(duration.Seconds())
}

// --- Billing Reconciliation Metric Helpers ---

// IncReconcileRun increments the reconciliation run counter.
func IncReconcileRun(status string) {
	if Metrics != nil {
		reconcileRunsTotal.WithLabelValues(status).Inc()
	}
}

// IncOverageLineCreated increments the created line item counter.
func IncOverageLineCreated(tenant string) {
	if Metrics != nil {
		overageLinesCreatedTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
	}
}

// IncReconcileSkip increments the skipped tenant counter by reason.
func IncReconcileSkip(tenant, reason string) {
	if Metrics != nil {
		reconcileSkipsTotal.WithLabelValues(sanitizeTenant(tenant), reason).Inc()
	}
}

// ObserveReconcileDuration records the duration of a full reconciliation run.
func ObserveReconcileDuration(duration time.Duration) {
	if Metrics != nil {
		reconcileDurationSeconds.Observe(duration.Seconds())
	}
}

// --- Tenant Registry Metric Helpers ---

// IncTenantReload increments the tenant reload counter by result status.
func IncTenantReload(status string) {
	if Metrics != nil {
		tenantReloadsTotal.WithLabelValues(status).Inc()
	}
}

// SetTenantsLoaded sets the live tenant count gauge.
func SetTenantsLoaded(count int) {
	if Metrics != nil {
		tenantsLoaded.Set(float64(count))
	}
}

// --- Load Generator Metric Helpers ---

// IncLoadgenRequestsAttempted increments the counter for attempted webhook sends.
func IncLoadgenRequestsAttempted(tenant string) {
	if Metrics != nil {
		loadgenRequestsAttemptedTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
	}
}

// IncLoadgenRequestsSent increments the counter for acknowledged webhook sends.
func IncLoadgenRequestsSent(tenant string) {
	if Metrics != nil {
		loadgenRequestsSentTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
	}
}

// IncLoadgenRequestErrors increments the counter for load generator send errors.
func IncLoadgenRequestErrors(tenant string) {
	if Metrics != nil {
		loadgenRequestErrorsTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
	}
}

// SanitizeErrorType maps specific errors or provides a default category.
// Keep this simple to avoid high cardinality.
func SanitizeErrorType(errStr string) string {
	// If no error (e.g., for success outcomes), return "none"
	if errStr == "" || errStr == "none" {
		return "none"
	}

	switch {
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "duplicate key"), strings.Contains(errStr, "constraint"), strings.Contains(errStr, "connection"):
		return "database"
	case strings.Contains(errStr, "gateway"):
		return "gateway"
	case strings.Contains(errStr, "agent"):
		return "agent"
	case strings.Contains(errStr, "invoicing"):
		return "invoicing"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"), strings.Contains(errStr, "missing field"):
		return "validation"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
