// Package ingestion routes classified provider events to their handlers.
package ingestion

import (
	"context"

	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

// EventHandler defines a function that processes one classified inbound event.
type EventHandler func(ctx context.Context, event *model.InboundEvent, rawEvent []byte) error

// Router routes events to the appropriate handler based on event kind.
type Router struct {
	// Map of event kind to handler
	handlers map[model.EventKind]EventHandler
	// Default handler for event kinds without a registered handler
	defaultHandler EventHandler
}

// NewRouter creates a new event router
func NewRouter() *Router {
	return &Router{
		handlers: make(map[model.EventKind]EventHandler),
	}
}

// Register registers a handler for an event kind
func (r *Router) Register(kind model.EventKind, handler EventHandler) {
	r.handlers[kind] = handler
}

// RegisterDefault registers a fallback handler for unregistered event kinds
func (r *Router) RegisterDefault(handler EventHandler) {
	r.defaultHandler = handler
}

// Route routes an event to the appropriate handler
func (r *Router) Route(ctx context.Context, event *model.InboundEvent, rawEvent []byte) error {
	log := logger.FromContext(ctx)

	// Add event metadata to the log context
	log = log.With(
		zap.String("event_kind", string(event.Kind)),
		zap.String("provider_type", event.ProviderType),
	)
	ctx = logger.WithLogger(ctx, log)

	log.Info("Event received",
		zap.String("payload_size", utils.ByteCountSI(len(rawEvent))),
		zap.String("receiver", event.Receiver),
	)

	// Try exact match first
	handler, ok := r.handlers[event.Kind]

	// Use default handler if no specific handler found
	if !ok && r.defaultHandler != nil {
		log.Warn("No specific handler for event kind, using default")
		return r.defaultHandler(ctx, event, rawEvent)
	} else if !ok {
		log.Error("No handler registered for event kind")
		return nil
	}

	return handler(ctx, event, rawEvent)
}
