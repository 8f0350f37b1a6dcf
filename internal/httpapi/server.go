package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

// Pinger verifies connectivity to the durable store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TenantSource exposes the loaded tenant snapshot for health reporting.
type TenantSource interface {
	All() []model.Tenant
	LoadedAt() time.Time
}

// Server is the single HTTP listener of the relay: provider webhook, admin
// surface, health probes, and Prometheus metrics all hang off one router.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *zap.Logger
	db         Pinger
	tenants    TenantSource
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates the HTTP server with the operational endpoints registered.
// Webhook and admin handlers attach themselves via their SetupXxxRoutes methods.
func NewServer(port int, db Pinger, tenants TenantSource, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	server := &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router:  router,
		logger:  logger,
		db:      db,
		tenants: tenants,
	}

	router.Use(RequestIDMiddleware, LoggingMiddleware)

	router.HandleFunc("/", server.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", server.handleReady).Methods(http.MethodGet)

	return server
}

// Router exposes the mux so feature handlers can register their routes.
func (s *Server) Router() *mux.Router {
	return s.router
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.router.Handle("/metrics", handler).Methods(http.MethodGet)
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleRoot answers the provider's liveness poke with a bare "OK".
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleHealth reports overall health: durable store reachability plus the
// size and age of the tenant snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := map[string]string{
		"tenants_loaded":    strconv.Itoa(len(s.tenants.All())),
		"tenants_loaded_at": utils.FormatISO8601(s.tenants.LoadedAt()),
	}

	if err := s.db.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed: database unreachable", zap.Error(err))
		details["database"] = "down"
		utils.WriteJSONResponse(w, http.StatusServiceUnavailable, HealthResponse{
			Status:  "DOWN",
			Details: details,
		})
		return
	}

	details["database"] = "up"
	utils.WriteJSONResponse(w, http.StatusOK, HealthResponse{
		Status:  "UP",
		Version: "1.0.0",
		Details: details,
	})
}

// handleReady handles the /ready endpoint for readiness probes
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "READY",
		Details: map[string]string{
			"timestamp": utils.FormatISO8601(utils.Now()),
		},
	}

	utils.WriteJSONResponse(w, http.StatusOK, resp)
}
