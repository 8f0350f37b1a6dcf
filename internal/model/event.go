package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
)

// EventKind classifies an inbound provider webhook event.
type EventKind string

const (
	// EventInboundMessage is an SMS received on a tenant's virtual number.
	EventInboundMessage EventKind = "inbound_message"
	// EventMissedCall is a call that was forwarded/missed on a virtual number.
	EventMissedCall EventKind = "missed_call"
	// EventUnrecognized covers every provider type this service does not handle.
	// Unrecognized events are acknowledged and dropped, never errored.
	EventUnrecognized EventKind = "unrecognized"
)

// Provider webhook_type values mapped onto the two handled kinds.
const (
	providerTypeInboxMessage   = "inbox_message"
	providerTypeCallForwarding = "call_forwarding"
)

// MapProviderEventKind maps a provider webhook_type string onto an EventKind.
// Unknown or empty types map to EventUnrecognized with ok=false.
func MapProviderEventKind(webhookType string) (EventKind, bool) {
	switch webhookType {
	case providerTypeInboxMessage:
		return EventInboundMessage, true
	case providerTypeCallForwarding:
		return EventMissedCall, true
	default:
		return EventUnrecognized, false
	}
}

// InboundEvent is the typed form of one provider webhook event. The dispatcher
// operates on this closed set of cases instead of probing raw payload fields.
type InboundEvent struct {
	// Kind is the classified event kind.
	Kind EventKind `json:"kind"`
	// ProviderType is the raw webhook_type string as delivered by the provider.
	ProviderType string `json:"provider_type"`
	// Sender is the counterpart phone number: the SMS sender for messages, the
	// caller for missed calls. Provider formatting, not yet normalized.
	Sender string `json:"sender"`
	// Receiver is the provider-assigned virtual number the event arrived on.
	Receiver string `json:"receiver"`
	// Content is the trimmed message body. Empty for missed calls.
	Content string `json:"content,omitempty"`
}

// webhookMessage is the nested message object of the provider payload.
type webhookMessage struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
}

// webhookEnvelope tolerates both provider payload shapes: the nested message
// object used for inbox messages and forwarded calls, and the flat variant some
// missed-call deliveries use (top-level caller/from plus receiver/to).
type webhookEnvelope struct {
	WebhookType string         `json:"webhook_type"`
	Message     webhookMessage `json:"message"`
	Caller      string         `json:"caller"`
	From        string         `json:"from"`
	Receiver    string         `json:"receiver"`
	To          string         `json:"to"`
}

// ParseInboundEvent decodes a provider webhook body into an InboundEvent.
// The body must be a single JSON object or a one-element array wrapping one;
// anything else is rejected with apperrors.ErrBadRequest. Classification never
// fails: unknown webhook_type values yield an EventUnrecognized event.
func ParseInboundEvent(raw []byte) (*InboundEvent, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty webhook body", apperrors.ErrBadRequest)
	}

	// The provider sometimes wraps the event in a one-element array.
	if body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%w: malformed webhook array: %v", apperrors.ErrBadRequest, err)
		}
		if len(items) != 1 {
			return nil, fmt.Errorf("%w: expected exactly one event, got %d", apperrors.ErrBadRequest, len(items))
		}
		body = bytes.TrimSpace(items[0])
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: malformed webhook event: %v", apperrors.ErrBadRequest, err)
	}

	kind, ok := MapProviderEventKind(envelope.WebhookType)
	event := &InboundEvent{
		Kind:         kind,
		ProviderType: envelope.WebhookType,
	}
	if !ok {
		return event, nil
	}

	switch kind {
	case EventInboundMessage:
		event.Sender = strings.TrimSpace(envelope.Message.Sender)
		event.Receiver = strings.TrimSpace(envelope.Message.Receiver)
		event.Content = strings.TrimSpace(envelope.Message.Content)
	case EventMissedCall:
		event.Sender = firstNonEmpty(envelope.Message.Sender, envelope.Caller, envelope.From)
		event.Receiver = firstNonEmpty(envelope.Message.Receiver, envelope.Receiver, envelope.To)
	}

	return event, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
