package integration_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"gitlab.com/textlane/api/sms-agent-relay/internal/cache"
	"gitlab.com/textlane/api/sms-agent-relay/internal/client"
	"gitlab.com/textlane/api/sms-agent-relay/internal/httpapi"
	"gitlab.com/textlane/api/sms-agent-relay/internal/ingestion"
	"gitlab.com/textlane/api/sms-agent-relay/internal/model"
	"gitlab.com/textlane/api/sms-agent-relay/internal/phone"
	"gitlab.com/textlane/api/sms-agent-relay/internal/registry"
	"gitlab.com/textlane/api/sms-agent-relay/internal/usecase"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/logger"
	"gitlab.com/textlane/api/sms-agent-relay/pkg/utils"
)

const testAdminToken = "it-operator-token"

// relayFixture is the fully wired relay serving real HTTP, with the three
// collaborators replaced by their fakes.
type relayFixture struct {
	baseURL   string
	gateway   *fakeGateway
	agent     *fakeAgent
	invoicing *fakeInvoicing
	registry  *registry.Registry
}

// startRelay wires the production components the same way main does and
// serves them from an httptest listener.
func (s *RelaySuite) startRelay(rows []tenantRow, agentReply string) *relayFixture {
	t := s.T()

	gateway, gatewaySrv := newFakeGateway(t)
	agent, agentSrv := newFakeAgent(t, agentReply)
	invoicing, invoicingSrv := newFakeInvoicing(t)

	reg := loadRegistry(s.Ctx, t, rows)
	normalizer := phone.NewNormalizer(testPhoneConfig())

	agentClient := client.NewChatAgentClient(agentSrv.URL, "test-key", 5*time.Second)
	gatewayClient := client.NewSMSGatewayClient(gatewaySrv.URL, "client-id", "client-secret", 5*time.Second)

	store := cache.NewInMemorySessionStore(time.Hour, 0)
	t.Cleanup(func() { _ = store.Close() })
	sessions := cache.NewSessionCache(store, agentClient)

	meter := usecase.NewUsageMeter(s.Repo, reg)
	dispatcher := usecase.NewDispatcher(reg, sessions, agentClient, gatewayClient, meter, normalizer)
	reconciler := s.newReconciler(reg, invoicingSrv.URL)

	eventRouter := ingestion.NewRouter()
	dispatcher.RegisterHandlers(eventRouter)

	server := httpapi.NewServer(0, s.Repo, reg, logger.Log)
	httpapi.NewWebhookHandler(eventRouter).SetupWebhookRoutes(server.Router())
	httpapi.NewAdminHandler(testAdminToken, meter, reg, reconciler).SetupAdminRoutes(server.Router())

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &relayFixture{
		baseURL:   srv.URL,
		gateway:   gateway,
		agent:     agent,
		invoicing: invoicing,
		registry:  reg,
	}
}

// postWebhook delivers one provider event and asserts the unconditional ack.
func (s *RelaySuite) postWebhook(baseURL, payload string) {
	s.T().Helper()

	resp, err := http.Post(baseURL+"/sms/inbound", "application/json", strings.NewReader(payload))
	s.Require().NoError(err, "Webhook delivery failed")
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, resp.StatusCode, "Webhook must always be acknowledged: %s", body)
	s.Require().JSONEq(`{"status":"received"}`, string(body))
}

// adminDo sends an authenticated admin request and returns the response.
func (s *RelaySuite) adminDo(method, url string, body io.Reader) *http.Response {
	s.T().Helper()

	req, err := http.NewRequest(method, url, body)
	s.Require().NoError(err)
	req.Header.Set(httpapi.AdminTokenHeader, testAdminToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	return resp
}

func inboundMessagePayload(sender, receiver, content string) string {
	return fmt.Sprintf(`{"webhook_type":"inbox_message","message":{"sender":%q,"receiver":%q,"content":%q}}`,
		sender, receiver, content)
}

func missedCallPayload(caller, receiver string) string {
	return fmt.Sprintf(`{"webhook_type":"call_forwarding","caller":%q,"to":%q}`, caller, receiver)
}

// TestInboundMessageFlow walks the full path: provider webhook in, agent
// turn, gateway send out, counter moved. The second message proves the
// conversation session is reused across number formatting variants.
func (s *RelaySuite) TestInboundMessageFlow() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", AgentID: "agent-alpha", Plan: "basic", BillingAccountID: "acct-alpha"},
	}, "We are open 9 to 5, Monday through Friday.")
	month := model.MonthKey(utils.Now())

	s.postWebhook(relay.baseURL, inboundMessagePayload("+32 499 00 00 01", "32460000001", "What are your opening hours?"))

	sends := relay.gateway.sent()
	s.Require().Len(sends, 1)
	s.Require().Equal("32499000001", sends[0].To, "Counterpart number must be normalized")
	s.Require().Equal("32460000001", sends[0].Sender, "Replies go out from the tenant's virtual number")
	s.Require().Equal("We are open 9 to 5, Monday through Friday.", sends[0].Message)
	s.Require().Equal([]string{"What are your opening hours?"}, relay.agent.receivedTurns())
	s.Require().EqualValues(1, s.outboundCount("tenant_alpha", month))

	// Same counterpart, national formatting this time.
	s.postWebhook(relay.baseURL, inboundMessagePayload("0499000001", "32460000001", "And on Saturdays?"))

	s.Require().Equal(1, relay.agent.chatCount(), "Formatting variants of one counterpart share a session")
	s.Require().Len(relay.gateway.sent(), 2)
	s.Require().EqualValues(2, s.outboundCount("tenant_alpha", month))
}

// TestMissedCallSendsGreeting delivers a forwarded-call event and expects the
// fallback opening line as an SMS greeting, metered like any other send.
func (s *RelaySuite) TestMissedCallSendsGreeting() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", AgentID: "agent-alpha", Plan: "basic"},
	}, "unused agent reply")
	month := model.MonthKey(utils.Now())

	s.postWebhook(relay.baseURL, missedCallPayload("0476123456", "32460000001"))

	sends := relay.gateway.sent()
	s.Require().Len(sends, 1)
	s.Require().Equal("32476123456", sends[0].To)
	s.Require().Equal(testFallbackLine, sends[0].Message, "Missed callers get the opening line")
	s.Require().Zero(relay.agent.chatCount(), "Missed calls never open an agent session")
	s.Require().EqualValues(1, s.outboundCount("tenant_alpha", month))
}

// TestUnknownReceiverIsAckedAndDropped sends to a virtual number no tenant
// owns. The provider still gets its ack and nothing downstream moves.
func (s *RelaySuite) TestUnknownReceiverIsAckedAndDropped() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", AgentID: "agent-alpha", Plan: "basic"},
	}, "unused agent reply")

	s.postWebhook(relay.baseURL, inboundMessagePayload("0499000001", "32999999999", "anyone there?"))

	s.Require().Empty(relay.gateway.sent())
	s.Require().Zero(relay.agent.chatCount())

	var counters int64
	s.Require().NoError(s.DB.Model(&model.UsageRecord{}).Count(&counters).Error)
	s.Require().Zero(counters, "Unknown receivers must not move any counter")
}

// TestAgentFailureFallsBackToOpeningLine breaks the agent platform for one
// request. The counterpart still gets an answer, the send is still metered,
// and the next message reaches the recovered agent.
func (s *RelaySuite) TestAgentFailureFallsBackToOpeningLine() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", AgentID: "agent-alpha", Plan: "basic"},
	}, "the real agent reply")
	month := model.MonthKey(utils.Now())

	relay.agent.failNextRequest()
	s.postWebhook(relay.baseURL, inboundMessagePayload("0499000001", "32460000001", "hello?"))

	sends := relay.gateway.sent()
	s.Require().Len(sends, 1)
	s.Require().Equal(testFallbackLine, sends[0].Message)
	s.Require().EqualValues(1, s.outboundCount("tenant_alpha", month))

	s.postWebhook(relay.baseURL, inboundMessagePayload("0499000001", "32460000001", "still there?"))

	sends = relay.gateway.sent()
	s.Require().Len(sends, 2)
	s.Require().Equal("the real agent reply", sends[1].Message)
	s.Require().EqualValues(2, s.outboundCount("tenant_alpha", month))
}

// TestTenantWithoutAgentUsesFallback covers tenants that never configured an
// agent: every inbound message is answered with the opening line.
func (s *RelaySuite) TestTenantWithoutAgentUsesFallback() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_beta", VirtualNumber: "32460000002", Plan: "basic"},
	}, "unused agent reply")

	s.postWebhook(relay.baseURL, inboundMessagePayload("0499000002", "32460000002", "hi"))

	sends := relay.gateway.sent()
	s.Require().Len(sends, 1)
	s.Require().Equal(testFallbackLine, sends[0].Message)
	s.Require().Zero(relay.agent.chatCount(), "Agentless tenants never touch the agent platform")
}

// TestFailedSendIsNotMetered rejects the gateway call and expects the counter
// to stay put: only confirmed sends are billed.
func (s *RelaySuite) TestFailedSendIsNotMetered() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", AgentID: "agent-alpha", Plan: "basic"},
	}, "a reply")
	month := model.MonthKey(utils.Now())

	relay.gateway.failNextWith(http.StatusBadGateway)
	s.postWebhook(relay.baseURL, inboundMessagePayload("0499000001", "32460000001", "hello"))

	s.Require().Empty(relay.gateway.sent())
	s.Require().Zero(s.outboundCount("tenant_alpha", month), "Failed sends must not be metered")
}

// TestHealthEndpointReportsDatabase checks the deep health probe against the
// live database and loaded registry.
func (s *RelaySuite) TestHealthEndpointReportsDatabase() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", Plan: "basic"},
	}, "unused agent reply")

	resp, err := http.Get(relay.baseURL + "/health")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var health struct {
		Status  string            `json:"status"`
		Details map[string]string `json:"details"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&health))
	s.Require().Equal("UP", health.Status)
	s.Require().Equal("up", health.Details["database"])
	s.Require().Equal("1", health.Details["tenants_loaded"])
}

// TestAdminUsageReportOverHTTP meters one send through the webhook and reads
// it back through the authenticated admin surface.
func (s *RelaySuite) TestAdminUsageReportOverHTTP() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", AgentID: "agent-alpha", Plan: "basic"},
	}, "a reply")
	month := model.MonthKey(utils.Now())

	s.postWebhook(relay.baseURL, inboundMessagePayload("0499000001", "32460000001", "hello"))

	// Without the operator token the surface stays closed.
	resp, err := http.Get(relay.baseURL + "/admin/usage")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Require().Equal(http.StatusUnauthorized, resp.StatusCode)

	resp = s.adminDo(http.MethodGet, relay.baseURL+"/admin/usage?month="+month, nil)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var report struct {
		Month string                  `json:"month"`
		Lines []model.UsageReportLine `json:"lines"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&report))
	s.Require().Equal(month, report.Month)
	s.Require().Len(report.Lines, 1)
	s.Require().Equal("tenant_alpha", report.Lines[0].TenantID)
	s.Require().EqualValues(1, report.Lines[0].OutboundCount)
}

// TestAdminReconcileClosesPreviousMonth posts an empty reconcile request and
// expects the previous UTC month to be billed through the invoicing fake.
func (s *RelaySuite) TestAdminReconcileClosesPreviousMonth() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", Plan: "basic", BillingAccountID: "acct-alpha"},
	}, "unused agent reply")
	prevMonth := model.MonthKey(utils.PreviousMonth(utils.Now()))

	s.seedUsage("tenant_alpha", prevMonth, 260) // 60 beyond the basic allowance

	resp := s.adminDo(http.MethodPost, relay.baseURL+"/admin/billing/reconcile", nil)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var report model.ReconcileReport
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&report))
	s.Require().Equal(prevMonth, report.Month, "An empty request closes the previous month")
	s.Require().Len(report.Created, 1)
	s.Require().EqualValues(60, report.Created[0].ExtraCount)
	s.Require().EqualValues(60*19, report.Created[0].AmountMinor)

	items := relay.invoicing.created()
	s.Require().Len(items, 1)
	s.Require().Equal("acct-alpha", items[0].Account)
	s.Require().Equal(prevMonth, items[0].Metadata["month"])
}

// TestAdminTenantsReloadOverHTTP re-reads the tenant table through the admin
// surface and returns the loaded tenant count.
func (s *RelaySuite) TestAdminTenantsReloadOverHTTP() {
	relay := s.startRelay([]tenantRow{
		{TenantID: "tenant_alpha", VirtualNumber: "32460000001", Plan: "basic"},
		{TenantID: "tenant_beta", VirtualNumber: "32460000002", Plan: "advanced"},
	}, "unused agent reply")

	resp := s.adminDo(http.MethodPost, relay.baseURL+"/admin/tenants/reload", nil)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var out struct {
		Count int `json:"count"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&out))
	s.Require().Equal(2, out.Count)
	s.Require().Len(relay.registry.All(), 2)
}
