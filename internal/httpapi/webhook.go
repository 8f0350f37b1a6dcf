package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

// Provider payloads are small; anything larger is hostile or misconfigured.
const maxWebhookBodyBytes = 1 << 20

// EventRouter dispatches a parsed provider event to its registered handler.
type EventRouter interface {
	Route(ctx context.Context, event *model.InboundEvent, rawEvent []byte) error
}

// WebhookHandler terminates the provider webhook. It always acknowledges with
// 200 regardless of the internal outcome so the provider never retry-storms
// on transient downstream failures.
type WebhookHandler struct {
	router EventRouter
}

// NewWebhookHandler creates a webhook handler on top of the event router.
func NewWebhookHandler(router EventRouter) *WebhookHandler {
	return &WebhookHandler{router: router}
}

// SetupWebhookRoutes registers the provider-facing routes.
func (h *WebhookHandler) SetupWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/sms/inbound", h.HandleInbound).Methods(http.MethodPost)
}

// HandleInbound processes one provider delivery: read, parse, route, ack.
// Malformed payloads and handler failures are logged and acknowledged anyway.
func (h *WebhookHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		log.Warn("Failed to read webhook body", zap.Error(err))
		h.ack(w)
		return
	}

	event, err := model.ParseInboundEvent(body)
	if err != nil {
		log.Warn("Discarding malformed webhook payload",
			zap.Error(err),
			zap.Int("payload_size", len(body)))
		h.ack(w)
		return
	}

	if err := h.router.Route(ctx, event, body); err != nil {
		log.Error("Webhook event processing failed",
			zap.Error(err),
			zap.String("event_kind", string(event.Kind)))
	}

	h.ack(w)
}

func (h *WebhookHandler) ack(w http.ResponseWriter) {
	utils.WriteJSONResponse(w, http.StatusOK, model.AckResponse{Status: "received"})
}
