package integration_test

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"gitlab.com/textlane/api/sms-agent-relay/internal/config"
	"gitlab.com/textlane/api/sms-agent-relay/internal/phone"
	"gitlab.com/textlane/api/sms-agent-relay/internal/registry"
)

const (
	testFallbackLine = "Thanks for reaching out! We got your message and will reply as soon as possible."
	testCurrency     = "EUR"
)

// testBillingConfig mirrors the production plan catalog defaults.
func testBillingConfig() config.BillingConfig {
	return config.BillingConfig{
		Basic:                config.PlanConfig{IncludedMessages: 200, OverageUnitPrice: 19},
		Advanced:             config.PlanConfig{IncludedMessages: 1000, OverageUnitPrice: 12},
		ReconcileConcurrency: 4,
	}
}

// testPhoneConfig mirrors the production normalization defaults.
func testPhoneConfig() config.PhoneConfig {
	return config.PhoneConfig{
		DefaultCountryCode:   "32",
		NationalNumberLength: 10,
		TrunkCountryCodes:    []string{"32", "31", "33", "49", "44"},
	}
}

// tenantRow is one line of a tenant table fixture. Zero-valued cells are
// written empty so the plan catalog fills them, exactly as in production
// tables.
type tenantRow struct {
	TenantID         string
	VirtualNumber    string
	AgentID          string
	Plan             string
	IncludedMessages string
	OverageUnitPrice string
	BillingAccountID string
	FallbackLine     string
}

// writeTenantTable writes a CSV tenant table and returns its path.
func writeTenantTable(t *testing.T, rows []tenantRow) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tenants.csv")
	f, err := os.Create(path)
	require.NoError(t, err, "Failed to create tenant table fixture")
	defer f.Close()

	w := csv.NewWriter(f)
	require.NoError(t, w.Write([]string{
		"tenant_id", "virtual_number", "agent_id", "plan",
		"included_messages", "overage_unit_price", "billing_account_id", "fallback_opening_line",
	}))
	for _, row := range rows {
		require.NoError(t, w.Write([]string{
			row.TenantID, row.VirtualNumber, row.AgentID, row.Plan,
			row.IncludedMessages, row.OverageUnitPrice, row.BillingAccountID, row.FallbackLine,
		}))
	}
	w.Flush()
	require.NoError(t, w.Error(), "Failed to flush tenant table fixture")
	return path
}

// loadRegistry builds a registry over a CSV fixture and performs the initial load.
func loadRegistry(ctx context.Context, t *testing.T, rows []tenantRow) *registry.Registry {
	t.Helper()

	source := registry.NewFileSource(writeTenantTable(t, rows), testBillingConfig(), testFallbackLine)
	reg := registry.New(source, phone.NewNormalizer(testPhoneConfig()))
	count, err := reg.Reload(ctx)
	require.NoError(t, err, "Failed to load tenant registry fixture")
	require.Equal(t, len(rows), count)
	return reg
}

// --- Fake collaborators ---
//
// The fakes below stand in for the three HTTP systems the relay calls out to.
// Each one implements the collaborator's wire contract so the production
// clients run unmodified against them.

// gatewaySend is one captured outbound SMS.
type gatewaySend struct {
	Message string `json:"message"`
	To      string `json:"to"`
	Sender  string `json:"sender"`
}

// fakeGateway records outbound sends the way the SMS provider would.
type fakeGateway struct {
	mu         sync.Mutex
	sends      []gatewaySend
	nextStatus int // non-zero: respond with this status and drop the send
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	t.Helper()

	g := &fakeGateway{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/message/send" {
			http.NotFound(w, r)
			return
		}
		var send gatewaySend
		if err := json.NewDecoder(r.Body).Decode(&send); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.nextStatus != 0 {
			w.WriteHeader(g.nextStatus)
			g.nextStatus = 0
			return
		}
		g.sends = append(g.sends, send)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *fakeGateway) failNextWith(status int) {
	g.mu.Lock()
	g.nextStatus = status
	g.mu.Unlock()
}

func (g *fakeGateway) sent() []gatewaySend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gatewaySend{}, g.sends...)
}

// fakeAgent answers the agent platform's chat API. Every completion replies
// with the fixed reply text; chats get sequential ids.
type fakeAgent struct {
	mu       sync.Mutex
	reply    string
	chats    int
	turns    []string
	failNext bool // next request answers 500
}

func newFakeAgent(t *testing.T, reply string) (*fakeAgent, *httptest.Server) {
	t.Helper()

	a := &fakeAgent{reply: reply}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		if a.failNext {
			a.failNext = false
			a.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		a.mu.Unlock()

		switch r.URL.Path {
		case "/create-chat":
			a.mu.Lock()
			a.chats++
			chatID := fmt.Sprintf("chat-%d", a.chats)
			a.mu.Unlock()
			writeJSON(w, map[string]string{"chat_id": chatID})
		case "/create-chat-completion":
			var req struct {
				ChatID  string `json:"chat_id"`
				Content string `json:"content"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			a.mu.Lock()
			a.turns = append(a.turns, req.Content)
			reply := a.reply
			a.mu.Unlock()
			writeJSON(w, map[string]interface{}{
				"messages": []map[string]string{
					{"role": "user", "content": req.Content},
					{"role": "agent", "content": reply},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return a, srv
}

func (a *fakeAgent) failNextRequest() {
	a.mu.Lock()
	a.failNext = true
	a.mu.Unlock()
}

func (a *fakeAgent) chatCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chats
}

func (a *fakeAgent) receivedTurns() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.turns...)
}

// lineItem is one captured invoicing charge.
type lineItem struct {
	Account     string
	AmountMinor int64             `json:"amount_minor"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// fakeInvoicing records created line items and can fail a number of upcoming
// create calls to exercise the reconciler's retry-on-next-run path.
type fakeInvoicing struct {
	mu        sync.Mutex
	items     []lineItem
	failNext  int
	nextJobID int
}

func newFakeInvoicing(t *testing.T) (*fakeInvoicing, *httptest.Server) {
	t.Helper()

	inv := &fakeInvoicing{}
	router := mux.NewRouter()
	router.HandleFunc("/billing-accounts/{account}/line-items", func(w http.ResponseWriter, r *http.Request) {
		var item lineItem
		if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		item.Account = mux.Vars(r)["account"]

		inv.mu.Lock()
		defer inv.mu.Unlock()
		if inv.failNext > 0 {
			inv.failNext--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		inv.nextJobID++
		inv.items = append(inv.items, item)
		writeJSON(w, map[string]string{"line_item_id": fmt.Sprintf("li-%04d", inv.nextJobID)})
	}).Methods(http.MethodPost)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return inv, srv
}

func (inv *fakeInvoicing) failNextCreates(n int) {
	inv.mu.Lock()
	inv.failNext = n
	inv.mu.Unlock()
}

func (inv *fakeInvoicing) created() []lineItem {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]lineItem{}, inv.items...)
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payload)
}
