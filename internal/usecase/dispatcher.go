package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab.com/textlane/api/sms-agent-relay/internal/apperrors"
	"gitlab.com/textlane/api/sms-agent-relay/internal/client"
	"gitlab.com/textlane/api/sms-agent-relay/internal/ingestion"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/observer"
	"gitlab.com/textlane/api/sms-agent-relay/internal/phone"
	"gitlab.com/textlane/api/sms-agent-relay/internal/tenant"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
)

// Terminal dispatch outcomes recorded per event.
const (
	outcomeReplied         = "replied"
	outcomeDropped         = "dropped"
	outcomeUnknownReceiver = "unknown_receiver"
	outcomeSendFailed      = "send_failed"
)

// Reasons the fallback opening line was sent instead of an agent reply.
const (
	fallbackNoAgent    = "no_agent"
	fallbackAgentError = "agent_error"
	fallbackMissedCall = "missed_call"
)

// ConversationCache is the session cache surface the dispatcher needs.
type ConversationCache interface {
	GetOrCreate(ctx context.Context, tenant *model.Tenant, counterpart string) (string, error)
	Forget(ctx context.Context, tenantID, counterpart string) error
}

// OutboundMeter is the usage meter surface the dispatcher needs.
type OutboundMeter interface {
	RecordOutbound(ctx context.Context, tenantID string) (int64, error)
}

// Dispatcher turns classified inbound events into outbound replies: resolve
// the tenant by receiver number, obtain the reply text (agent turn or the
// tenant's fallback opening line), send it through the gateway, and meter the
// confirmed send.
//
// Every handler returns nil. The provider webhook must be acknowledged no
// matter what happened downstream, so failures are logged and counted here
// instead of propagating.
type Dispatcher struct {
	directory TenantDirectory
	sessions  ConversationCache
	agent     client.AgentClient
	gateway   client.GatewayClient
	meter     OutboundMeter
	phones    *phone.Normalizer
}

// NewDispatcher creates a new event dispatcher
func NewDispatcher(
	directory TenantDirectory,
	sessions ConversationCache,
	agent client.AgentClient,
	gateway client.GatewayClient,
	meter OutboundMeter,
	phones *phone.Normalizer,
) *Dispatcher {
	return &Dispatcher{
		directory: directory,
		sessions:  sessions,
		agent:     agent,
		gateway:   gateway,
		meter:     meter,
		phones:    phones,
	}
}

// RegisterHandlers wires the dispatcher into the event router.
func (d *Dispatcher) RegisterHandlers(router *ingestion.Router) {
	router.Register(model.EventInboundMessage, d.HandleInboundMessage)
	router.Register(model.EventMissedCall, d.HandleMissedCall)
	router.RegisterDefault(d.HandleUnrecognized)
}

// HandleInboundMessage replies to an SMS received on a tenant's virtual
// number. Messages without a usable counterpart number or with an empty body
// are acknowledged and dropped.
func (d *Dispatcher) HandleInboundMessage(ctx context.Context, event *model.InboundEvent, _ []byte) error {
	startTime := time.Now()
	kind := string(event.Kind)

	ctx, t := d.resolveTenant(ctx, event)
	observer.IncEventReceived(kind, tenantLabel(t))
	if t == nil {
		observeDispatch(kind, "", outcomeUnknownReceiver, startTime, nil)
		return nil
	}
	log := logger.FromContext(ctx)

	counterpart := d.phones.Normalize(event.Sender)
	if counterpart == "" || event.Content == "" {
		log.Warn("Dropping inbound message without counterpart or content",
			zap.String("sender", event.Sender))
		observeDispatch(kind, t.TenantID, outcomeDropped, startTime, nil)
		return nil
	}

	reply := d.replyFor(ctx, t, counterpart, event.Content)
	if err := d.sendAndMeter(ctx, t, counterpart, reply); err != nil {
		observeDispatch(kind, t.TenantID, outcomeSendFailed, startTime, err)
		return nil
	}

	log.Info("Reply sent", zap.String("counterpart_phone", counterpart))
	observeDispatch(kind, t.TenantID, outcomeReplied, startTime, nil)
	return nil
}

// HandleMissedCall greets a missed caller with the tenant's fallback opening
// line. No conversation session is opened until the caller texts back.
func (d *Dispatcher) HandleMissedCall(ctx context.Context, event *model.InboundEvent, _ []byte) error {
	startTime := time.Now()
	kind := string(event.Kind)

	ctx, t := d.resolveTenant(ctx, event)
	observer.IncEventReceived(kind, tenantLabel(t))
	if t == nil {
		observeDispatch(kind, "", outcomeUnknownReceiver, startTime, nil)
		return nil
	}
	log := logger.FromContext(ctx)

	caller := d.phones.Normalize(event.Sender)
	if caller == "" {
		log.Warn("Dropping missed call without caller number")
		observeDispatch(kind, t.TenantID, outcomeDropped, startTime, nil)
		return nil
	}

	observer.IncFallbackReply(t.TenantID, fallbackMissedCall)
	if err := d.sendAndMeter(ctx, t, caller, t.FallbackOpeningLine); err != nil {
		observeDispatch(kind, t.TenantID, outcomeSendFailed, startTime, err)
		return nil
	}

	log.Info("Missed call greeting sent", zap.String("caller_phone", caller))
	observeDispatch(kind, t.TenantID, outcomeReplied, startTime, nil)
	return nil
}

// HandleUnrecognized acknowledges provider event types this service does not
// handle. Registered as the router's default handler.
func (d *Dispatcher) HandleUnrecognized(ctx context.Context, event *model.InboundEvent, _ []byte) error {
	kind := string(model.EventUnrecognized)
	observer.IncEventReceived(kind, "")
	logger.FromContext(ctx).Info("Acknowledging unhandled provider event",
		zap.String("provider_type", event.ProviderType))
	observer.IncEventOutcome(kind, "", outcomeDropped, "none")
	return nil
}

// resolveTenant maps the event's receiver number onto a registered tenant and
// stamps the tenant id into the context and logger. A nil tenant means the
// event must be acknowledged and dropped.
func (d *Dispatcher) resolveTenant(ctx context.Context, event *model.InboundEvent) (context.Context, *model.Tenant) {
	t, err := d.directory.ResolveByVirtualNumber(event.Receiver)
	if err != nil {
		logger.FromContext(ctx).Warn("Dropping event for unknown receiver number",
			zap.String("receiver", event.Receiver))
		return ctx, nil
	}

	ctx = tenant.WithTenantID(ctx, t.TenantID)
	ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With(zap.String("tenant_id", t.TenantID)))
	return ctx, t
}

// replyFor obtains the reply text for an inbound message. It prefers the
// tenant's agent and falls back to the opening line when the agent path is
// unavailable for any reason.
func (d *Dispatcher) replyFor(ctx context.Context, t *model.Tenant, counterpart, content string) string {
	if !t.HasAgent() {
		observer.IncFallbackReply(t.TenantID, fallbackNoAgent)
		return t.FallbackOpeningLine
	}

	reply, err := d.converse(ctx, t, counterpart, content)
	if err != nil {
		logger.FromContext(ctx).Warn("Agent path unavailable, using fallback opening line",
			zap.String("counterpart_phone", counterpart),
			zap.Error(err))
		observer.IncFallbackReply(t.TenantID, fallbackAgentError)
		return t.FallbackOpeningLine
	}
	return reply
}

// converse runs one turn against the tenant's agent, recreating the session
// once when the agent no longer recognizes the cached handle.
func (d *Dispatcher) converse(ctx context.Context, t *model.Tenant, counterpart, content string) (string, error) {
	handle, err := d.sessions.GetOrCreate(ctx, t, counterpart)
	if err != nil {
		return "", err
	}

	reply, err := d.agent.SendTurn(ctx, handle, content)
	if apperrors.IsNotFoundError(err) {
		logger.FromContext(ctx).Info("Agent session handle is stale, recreating",
			zap.String("counterpart_phone", counterpart))
		if forgetErr := d.sessions.Forget(ctx, t.TenantID, counterpart); forgetErr != nil {
			return "", fmt.Errorf("dropping stale session: %w", forgetErr)
		}
		handle, err = d.sessions.GetOrCreate(ctx, t, counterpart)
		if err != nil {
			return "", err
		}
		reply, err = d.agent.SendTurn(ctx, handle, content)
	}
	return reply, err
}

// sendAndMeter sends one outbound SMS and meters the confirmed send. The
// counter moves only after the gateway accepted the message; an increment
// failure is logged and absorbed because the send already happened.
func (d *Dispatcher) sendAndMeter(ctx context.Context, t *model.Tenant, to, message string) error {
	err := d.gateway.SendSMS(ctx, to, t.VirtualNumber, message)
	observer.IncOutboundSend(t.TenantID, err)
	if err != nil {
		logger.FromContext(ctx).Error("Outbound send failed",
			zap.String("to", to),
			zap.Error(err))
		return err
	}

	if _, meterErr := d.meter.RecordOutbound(ctx, t.TenantID); meterErr != nil {
		logger.FromContext(ctx).Error("Usage increment failed after a confirmed send",
			zap.String("to", to),
			zap.Error(meterErr))
	}
	return nil
}

func tenantLabel(t *model.Tenant) string {
	if t == nil {
		return ""
	}
	return t.TenantID
}

// observeDispatch records the terminal outcome and duration for one event.
func observeDispatch(kind, tenantID, outcome string, startTime time.Time, dispatchErr error) {
	errType := "none"
	if dispatchErr != nil {
		errType = dispatchErr.Error()
	}
	observer.IncEventOutcome(kind, tenantID, outcome, errType)
	observer.ObserveEventProcessingDuration(kind, tenantID, time.Since(startTime))
}
