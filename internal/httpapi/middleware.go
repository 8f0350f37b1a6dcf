package httpapi

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/tenant"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
)

// AdminTokenHeader carries the static operator token on admin requests.
const AdminTokenHeader = "X-Admin-Token"

// RequestIDMiddleware assigns every request an id, reuses one supplied by the
// caller, and echoes it back so provider deliveries can be traced end to end.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := tenant.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests. Probe and scrape endpoints log at
// debug so liveness polling does not drown the request log.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture the status code.
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log := logger.FromContext(r.Context())
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("latency", time.Since(start)),
		}

		switch r.URL.Path {
		case "/", "/health", "/ready", "/metrics":
			log.Debug("Handled HTTP request", fields...)
		default:
			log.Info("Handled HTTP request", fields...)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// AdminTokenMiddleware gates the admin surface behind a static operator token.
// The comparison is constant-time. An empty configured token disables the
// surface entirely instead of leaving it open.
func AdminTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				respondError(w, http.StatusServiceUnavailable, "admin surface is not configured")
				return
			}

			presented := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.FromContext(r.Context()).Warn("Rejected admin request",
					zap.String("path", r.URL.Path),
					zap.String("remote_addr", r.RemoteAddr))
				respondError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
