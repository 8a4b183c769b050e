package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dryousufmesalm/bot-app-sub002/internal/models"
	"github.com/dryousufmesalm/bot-app-sub002/internal/retry"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c := NewClientWithTimeout(srv.URL, "users", logger, 2*time.Second)
	c.retryCfg = retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        5 * time.Second,
	}
	return c
}

func serveJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request body: %v", err)
	}
	return body
}

func TestAuthenticate_StoresTokenAndSendsHeader(t *testing.T) {
	var gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/collections/users/auth-with-password":
			body := decodeBody(t, r)
			if body["identity"] != "trader@example.com" || body["password"] != "hunter2" {
				t.Errorf("auth body = %v", body)
			}
			serveJSON(w, http.StatusOK, map[string]interface{}{
				"token":  "tok-1",
				"record": map[string]interface{}{"id": "usr-1", "email": "trader@example.com"},
			})
		case "/api/collections/accounts/records/acct-1":
			gotAuth = r.Header.Get("Authorization")
			serveJSON(w, http.StatusOK, map[string]interface{}{"id": "acct-1", "name": "Main"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(t, handler)

	if err := c.Authenticate(context.Background(), "trader@example.com", "hunter2"); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got := c.Token(); got != "tok-1" {
		t.Errorf("Token() = %q, want tok-1", got)
	}
	if got := c.UserID(); got != "usr-1" {
		t.Errorf("UserID() = %q, want usr-1", got)
	}

	if _, err := c.Account(context.Background(), "acct-1"); err != nil {
		t.Fatalf("Account() error = %v", err)
	}
	if gotAuth != "tok-1" {
		t.Errorf("Authorization header = %q, want tok-1", gotAuth)
	}
}

func TestRefreshToken_ReplacesToken(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/collections/users/auth-refresh" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "tok-old" {
			t.Errorf("Authorization = %q, want tok-old", got)
		}
		serveJSON(w, http.StatusOK, map[string]interface{}{"token": "tok-new"})
	})
	c := newTestClient(t, handler)
	c.mu.Lock()
	c.token = "tok-old"
	c.mu.Unlock()

	if err := c.RefreshToken(context.Background()); err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if got := c.Token(); got != "tok-new" {
		t.Errorf("Token() = %q, want tok-new", got)
	}
	if age := c.TokenAge(); age > time.Minute {
		t.Errorf("TokenAge() = %v, want fresh", age)
	}
}

func TestCreateRecord_EncodesCompoundFields(t *testing.T) {
	var gotBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/collections/symbols/records" {
			t.Errorf("%s %s, want POST /api/collections/symbols/records", r.Method, r.URL.Path)
		}
		gotBody = decodeBody(t, r)
		serveJSON(w, http.StatusOK, map[string]interface{}{
			"id":             "rec-9",
			"created":        "2026-08-24 10:00:00.123Z",
			"updated":        "2026-08-24 10:00:00.123Z",
			"collectionId":   "col123",
			"collectionName": "symbols",
			"note":           "hi",
		})
	})
	c := newTestClient(t, handler)

	when := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	rec, err := c.CreateRecord(context.Background(), "symbols", map[string]interface{}{
		"note":   "hi",
		"when":   when,
		"levels": []float64{1.101, 1.102},
	})
	if err != nil {
		t.Fatalf("CreateRecord() error = %v", err)
	}

	if gotBody["when"] != "2026-08-24T10:30:00Z" {
		t.Errorf("when = %#v, want RFC3339 string", gotBody["when"])
	}
	if gotBody["levels"] != "[1.101,1.102]" {
		t.Errorf("levels = %#v, want JSON string", gotBody["levels"])
	}
	if gotBody["note"] != "hi" {
		t.Errorf("note = %#v, want hi", gotBody["note"])
	}

	if rec.ID != "rec-9" {
		t.Errorf("rec.ID = %q, want rec-9", rec.ID)
	}
	if rec.Created.Year() != 2026 || rec.Created.Hour() != 10 {
		t.Errorf("rec.Created = %v, want parsed store timestamp", rec.Created)
	}
	if rec.String("note") != "hi" {
		t.Errorf("note field = %q, want hi", rec.String("note"))
	}
	if _, ok := rec.Fields["collectionId"]; ok {
		t.Error("envelope key collectionId must not appear in Fields")
	}
}

func TestPushCycle_CreateThenUpdate(t *testing.T) {
	var createBody map[string]interface{}
	var patched atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/collections/adaptive_hedge_cycles/records":
			createBody = decodeBody(t, r)
			serveJSON(w, http.StatusOK, map[string]interface{}{"id": "rc-1"})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/collections/adaptive_hedge_cycles/records/rc-1":
			patched.Add(1)
			serveJSON(w, http.StatusOK, map[string]interface{}{"id": "rc-1"})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(t, handler)

	cycle := models.NewCycle("bot-1", "acct-1", "EURUSD", 1001, models.CycleBuy, models.DirectionBuy, 1.10000)
	if err := c.PushCycle(context.Background(), models.StrategyAdaptiveHedge, cycle); err != nil {
		t.Fatalf("PushCycle() error = %v", err)
	}
	if cycle.RemoteID != "rc-1" {
		t.Fatalf("RemoteID = %q, want rc-1", cycle.RemoteID)
	}

	if got, ok := createBody["open_price"].(float64); !ok || got != 1.10000 {
		t.Errorf("open_price = %#v, want float64 1.1", createBody["open_price"])
	}
	if createBody["local_id"] != cycle.ID {
		t.Errorf("local_id = %v, want %v", createBody["local_id"], cycle.ID)
	}
	if _, ok := createBody["id"]; ok {
		t.Error("id must not be sent on create")
	}

	cycle.TotalProfit = 5
	if err := c.PushCycle(context.Background(), models.StrategyAdaptiveHedge, cycle); err != nil {
		t.Fatalf("PushCycle() second call error = %v", err)
	}
	if patched.Load() != 1 {
		t.Errorf("patch count = %d, want 1", patched.Load())
	}
}

func TestList_PassesFilterVerbatim(t *testing.T) {
	const filter = `account = 'a1' && sent_by_admin = false`
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("filter"); got != filter {
			t.Errorf("filter = %q, want %q", got, filter)
		}
		if got := r.URL.Query().Get("sort"); got != "created" {
			t.Errorf("sort = %q, want created", got)
		}
		serveJSON(w, http.StatusOK, map[string]interface{}{
			"page": 1, "perPage": 500, "totalItems": 2,
			"items": []map[string]interface{}{{"id": "r1"}, {"id": "r2"}},
		})
	})
	c := newTestClient(t, handler)

	records, err := c.List(context.Background(), "events", filter, "created")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 2 || records[0].ID != "r1" || records[1].ID != "r2" {
		t.Errorf("List() = %v, want r1, r2", records)
	}
}

func TestListEvents_DecodesBothContentForms(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, http.StatusOK, map[string]interface{}{
			"page": 1, "perPage": 500, "totalItems": 2,
			"items": []map[string]interface{}{
				{
					"id": "e1", "uuid": "u1", "account": "a1", "bot": "b1",
					"content": map[string]interface{}{
						"event_type": "open_order",
						"details":    map[string]interface{}{"price": 1.5},
					},
					"created": "2026-08-24 10:00:00.000Z",
				},
				{
					"id": "e2", "account": "a1",
					"content": `{"event_type":"close_cycle","details":{"cycle_id":"all"}}`,
				},
			},
		})
	})
	c := newTestClient(t, handler)

	events, err := c.ListEvents(context.Background(), "a1")
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}

	if events[0].Content.EventType != "open_order" {
		t.Errorf("event_type = %q, want open_order", events[0].Content.EventType)
	}
	if got := events[0].Content.DetailFloat("price", 0); got != 1.5 {
		t.Errorf("price detail = %v, want 1.5", got)
	}
	if events[0].Created.Hour() != 10 {
		t.Errorf("Created = %v, want parsed timestamp", events[0].Created)
	}

	if events[1].Content.EventType != "close_cycle" {
		t.Errorf("string content event_type = %q, want close_cycle", events[1].Content.EventType)
	}
	if got := events[1].Content.DetailString("cycle_id"); got != "all" {
		t.Errorf("cycle_id detail = %q, want all", got)
	}
}

func TestDeleteRecord_NotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveJSON(w, http.StatusNotFound, map[string]interface{}{"message": "no such record"})
	})
	c := newTestClient(t, handler)

	err := c.DeleteEvent(context.Background(), "missing")
	if err == nil {
		t.Fatal("DeleteEvent() error = nil, want APIError")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", apiErr.Status)
	}
}

func TestTransientErrorsRetry(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			serveJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"message": "try later"})
			return
		}
		serveJSON(w, http.StatusOK, map[string]interface{}{"id": "b1", "strategy": "CycleTrader"})
	})
	c := newTestClient(t, handler)

	bot, err := c.Bot(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Bot() error = %v", err)
	}
	if bot.ID != "b1" {
		t.Errorf("bot.ID = %q, want b1", bot.ID)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestAccountBots_ResolvesStrategyRelation(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/collections/bots/records":
			serveJSON(w, http.StatusOK, map[string]interface{}{
				"page": 1, "perPage": 500, "totalItems": 2,
				"items": []map[string]interface{}{
					{
						"id": "bot-1", "account": "acct-1", "name": "AH EURUSD",
						"strategy": "AdaptiveHedge", "magic_number": 1001,
						"symbol": "EURUSD", "stopped": false,
						"configs": map[string]interface{}{"zone_size": 100},
					},
					{
						"id": "bot-2", "account": "acct-1", "name": "CT GBPUSD",
						"strategy": "strat-rec-1", "magic_number": 1002,
						"symbol":  "GBPUSD",
						"configs": `{"pips_step":50}`,
					},
				},
			})
		case "/api/collections/strategies/records/strat-rec-1":
			serveJSON(w, http.StatusOK, map[string]interface{}{"id": "strat-rec-1", "name": "CycleTrader"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(t, handler)

	bots, err := c.AccountBots(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("AccountBots() error = %v", err)
	}
	if len(bots) != 2 {
		t.Fatalf("len(bots) = %d, want 2", len(bots))
	}

	if bots[0].Strategy != models.StrategyAdaptiveHedge {
		t.Errorf("bots[0].Strategy = %q, want AdaptiveHedge", bots[0].Strategy)
	}
	if bots[0].Magic != 1001 {
		t.Errorf("bots[0].Magic = %d, want 1001", bots[0].Magic)
	}
	if got := bots[0].Config["zone_size"]; got != 100.0 {
		t.Errorf("zone_size = %#v, want 100", got)
	}

	if bots[1].Strategy != models.StrategyCycleTrader {
		t.Errorf("bots[1].Strategy = %q, want resolved CycleTrader", bots[1].Strategy)
	}
	if got := bots[1].Config["pips_step"]; got != 50.0 {
		t.Errorf("pips_step = %#v, want 50 decoded from JSON string", got)
	}
}

func TestEnsureSymbol_CreatesOnlyWhenMissing(t *testing.T) {
	var created atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/collections/symbols/records":
			if created.Load() == 0 {
				serveJSON(w, http.StatusOK, map[string]interface{}{
					"page": 1, "perPage": 500, "totalItems": 0,
					"items": []map[string]interface{}{},
				})
				return
			}
			serveJSON(w, http.StatusOK, map[string]interface{}{
				"page": 1, "perPage": 500, "totalItems": 1,
				"items": []map[string]interface{}{{"id": "sym-1", "name": "EURUSD", "account": "acct-1"}},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/collections/symbols/records":
			created.Add(1)
			body := decodeBody(t, r)
			if body["name"] != "EURUSD" || body["account"] != "acct-1" {
				t.Errorf("create body = %v", body)
			}
			serveJSON(w, http.StatusOK, map[string]interface{}{"id": "sym-1"})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	c := newTestClient(t, handler)

	id, err := c.EnsureSymbol(context.Background(), "acct-1", "EURUSD")
	if err != nil {
		t.Fatalf("EnsureSymbol() error = %v", err)
	}
	if id != "sym-1" {
		t.Errorf("id = %q, want sym-1", id)
	}

	id, err = c.EnsureSymbol(context.Background(), "acct-1", "EURUSD")
	if err != nil {
		t.Fatalf("EnsureSymbol() second call error = %v", err)
	}
	if id != "sym-1" {
		t.Errorf("second id = %q, want sym-1", id)
	}
	if created.Load() != 1 {
		t.Errorf("create count = %d, want 1", created.Load())
	}
}

func TestUpdateAccountMetrics_PatchesAllFields(t *testing.T) {
	var gotBody map[string]interface{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/api/collections/accounts/records/acct-1" {
			t.Errorf("%s %s, want PATCH accounts/acct-1", r.Method, r.URL.Path)
		}
		gotBody = decodeBody(t, r)
		serveJSON(w, http.StatusOK, map[string]interface{}{"id": "acct-1"})
	})
	c := newTestClient(t, handler)

	err := c.UpdateAccountMetrics(context.Background(), "acct-1", AccountMetrics{
		Balance: 10000.12, Equity: 10010.34, Margin: 120.5, FreeMargin: 9889.84, Profit: 10.22,
	})
	if err != nil {
		t.Fatalf("UpdateAccountMetrics() error = %v", err)
	}

	for key, want := range map[string]float64{
		"balance": 10000.12, "equity": 10010.34, "margin": 120.5, "free_margin": 9889.84, "profit": 10.22,
	} {
		if got := gotBody[key]; got != want {
			t.Errorf("%s = %#v, want %v", key, got, want)
		}
	}
}

func TestLogHook_ShipsWarnings(t *testing.T) {
	bodyCh := make(chan map[string]interface{}, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/collections/terminal_logs/records" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodyCh <- body
		serveJSON(w, http.StatusOK, map[string]interface{}{"id": "log-1"})
	})
	c := newTestClient(t, handler)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.AddHook(NewLogHook(c, "acct-1"))

	logger.WithField("bot", "bot-9").Warn("margin low")

	select {
	case body := <-bodyCh:
		if body["level"] != "warning" {
			t.Errorf("level = %#v, want warning", body["level"])
		}
		if body["message"] != "margin low" {
			t.Errorf("message = %#v, want margin low", body["message"])
		}
		if body["account"] != "acct-1" || body["bot"] != "bot-9" {
			t.Errorf("account/bot = %#v/%#v", body["account"], body["bot"])
		}
		if s, ok := body["logged_at"].(string); !ok || !strings.Contains(s, "T") {
			t.Errorf("logged_at = %#v, want RFC3339 string", body["logged_at"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("log entry never reached the store")
	}
}
