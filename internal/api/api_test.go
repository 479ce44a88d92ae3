package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradebridge/internal/events"
	"tradebridge/internal/headless"
	"tradebridge/internal/monitor"
	"tradebridge/internal/registry"
	"tradebridge/internal/tradesync"
	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/crypto"
	"tradebridge/pkg/db"
)

// newTestGateway fakes the MT5 gateway endpoints the handlers hit.
func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/mt5/connect":
			json.NewEncoder(w).Encode(map[string]any{"connected": true})
		case r.URL.Path == "/mt5/account_info":
			json.NewEncoder(w).Encode(map[string]any{
				"login": 12345, "balance": 1000.5, "equity": 990.25,
				"margin": 10, "margin_free": 980.25, "leverage": 100, "currency": "USD",
			})
		case r.URL.Path == "/mt5/positions":
			json.NewEncoder(w).Encode(map[string]any{
				"positions": []map[string]any{{
					"ticket": 42, "symbol": "EURUSD", "type": 0, "volume": 0.1,
					"price_open": 1.1, "price_current": 1.2, "profit": 10,
					"time": time.Now().Unix(),
				}},
			})
		case r.URL.Path == "/mt5/trade":
			json.NewEncoder(w).Encode(map[string]any{
				"retcode": 10009, "order": 7, "deal": 8, "position": 42,
				"price": 1.1005, "volume": 0.1,
			})
		case r.URL.Path == "/mt5/price":
			json.NewEncoder(w).Encode(map[string]any{
				"symbol": "EURUSD", "bid": 1.1, "ask": 1.1002,
				"time": time.Now().UnixMilli(),
			})
		case r.URL.Path == "/mt5/symbol_info" && r.URL.Query().Get("symbol") == "NOPE":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"detail": "symbol not found"})
		default:
			json.NewEncoder(w).Encode(map[string]any{})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, gatewayURL string) (*httptest.Server, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("CREDENTIAL_KEY", key)
	keyring, err := crypto.NewKeyring()
	if err != nil {
		t.Fatal(err)
	}

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	queries := db.NewQueries(database)

	ctx := context.Background()
	if err := queries.CreateAccount(ctx, db.Account{ID: "acc-mt5", Name: "demo", Platform: "MT5", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	passwordEnc, err := keyring.Encrypt("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := queries.CreateMT5Credentials(ctx, db.MT5Credentials{
		AccountID: "acc-mt5", Login: 12345, Server: "Demo", PasswordEnc: passwordEnc,
	}); err != nil {
		t.Fatal(err)
	}

	factory := registry.NewFactory(queries, keyring,
		registry.MT5Settings{BaseURL: gatewayURL, ServiceToken: "svc"},
		registry.CTraderSettings{BaseURL: gatewayURL},
	)
	mgr := registry.NewManager(factory, registry.DefaultConfig())
	t.Cleanup(mgr.Stop)

	bus := events.NewBus()
	orch := headless.New(bus, func(ctx context.Context, accountID string) (headless.Upstream, error) {
		return headless.NoopUpstream{}, nil
	})
	syncer := tradesync.NewWorker(func(ctx context.Context, accountID string) ([]db.SyncedDeal, error) {
		return nil, nil
	}, queries, 10)

	server := NewServer(bus, mgr, orch, syncer, queries, monitor.NewSystemMetrics(),
		SystemMeta{Version: "test", FeedMode: "polling"}, "test-secret", "test-key")

	ts := httptest.NewServer(server.Router)
	t.Cleanup(ts.Close)
	return ts, server
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func getToken(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	var resp struct {
		Token string `json:"token"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/token", "", map[string]string{
		"client_id":   "test-bot",
		"service_key": "test-key",
	}, &resp)
	if status != http.StatusOK || resp.Token == "" {
		t.Fatalf("token issuance failed status=%d resp=%+v", status, resp)
	}
	return resp.Token
}

func TestTokenIssuance(t *testing.T) {
	gw := newTestGateway(t)
	ts, _ := newTestServer(t, gw.URL)
	client := ts.Client()

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/token", "", map[string]string{
		"client_id":   "test-bot",
		"service_key": "wrong",
	}, &resp)
	if status != http.StatusUnauthorized || resp.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("bad key accepted: status=%d code=%s", status, resp.Code)
	}

	getToken(t, client, ts.URL)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	gw := newTestGateway(t)
	ts, _ := newTestServer(t, gw.URL)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, ts.Client(), http.MethodGet, ts.URL+"/api/accounts/acc-mt5/info", "", nil, &resp)
	if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
		t.Fatalf("expected 401 MISSING_TOKEN, got status=%d code=%s", status, resp.Code)
	}
}

func TestGetAccountInfo(t *testing.T) {
	gw := newTestGateway(t)
	ts, _ := newTestServer(t, gw.URL)
	client := ts.Client()
	token := getToken(t, client, ts.URL)

	var info common.AccountInfo
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/accounts/acc-mt5/info", token, nil, &info)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if info.Login != 12345 || info.Balance != 1000.5 || info.Currency != "USD" {
		t.Errorf("info = %+v", info)
	}
}

func TestUnknownAccountIs404(t *testing.T) {
	gw := newTestGateway(t)
	ts, _ := newTestServer(t, gw.URL)
	client := ts.Client()
	token := getToken(t, client, ts.URL)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/accounts/nope/info", token, nil, &resp)
	if status != http.StatusNotFound || resp.Code != "ACCOUNT_NOT_FOUND" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}
}

func TestPlaceTradeValidation(t *testing.T) {
	gw := newTestGateway(t)
	ts, _ := newTestServer(t, gw.URL)
	client := ts.Client()
	token := getToken(t, client, ts.URL)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/accounts/acc-mt5/trades", token, map[string]any{
		"symbol": "EURUSD",
		"side":   "BUY",
		"type":   "MARKET",
		"volume": 0,
	}, &resp)
	if status != http.StatusBadRequest || resp.Code != "INVALID_REQUEST" {
		t.Fatalf("zero volume accepted: status=%d code=%s", status, resp.Code)
	}

	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/accounts/acc-mt5/trades", token, map[string]any{
		"symbol": "EURUSD",
		"side":   "BUY",
		"type":   "LIMIT",
		"volume": 0.1,
	}, &resp)
	if status != http.StatusBadRequest || resp.Code != "INVALID_PRICE" {
		t.Fatalf("limit without price accepted: status=%d code=%s", status, resp.Code)
	}
}

func TestPlaceMarketTrade(t *testing.T) {
	gw := newTestGateway(t)
	ts, _ := newTestServer(t, gw.URL)
	client := ts.Client()
	token := getToken(t, client, ts.URL)

	var result common.TradeResult
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/accounts/acc-mt5/trades", token, map[string]any{
		"symbol": "EURUSD",
		"side":   "BUY",
		"type":   "MARKET",
		"volume": 0.1,
	}, &result)
	if status != http.StatusCreated {
		t.Fatalf("status = %d", status)
	}
	if result.Status != "FILLED" || result.PositionID != "42" {
		t.Errorf("result = %+v", result)
	}
}

func TestGatewayDownIs502(t *testing.T) {
	gw := newTestGateway(t)
	gwURL := gw.URL
	gw.Close()

	ts, _ := newTestServer(t, gwURL)
	client := ts.Client()
	token := getToken(t, client, ts.URL)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/accounts/acc-mt5/info", token, nil, &resp)
	if status != http.StatusBadGateway || resp.Code != "GATEWAY_ERROR" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}
}

func TestSymbolNotFoundIs404(t *testing.T) {
	gw := newTestGateway(t)
	ts, _ := newTestServer(t, gw.URL)
	client := ts.Client()
	token := getToken(t, client, ts.URL)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/accounts/acc-mt5/symbols/NOPE", token, nil, &resp)
	if status != http.StatusNotFound || resp.Code != "NOT_FOUND" {
		t.Fatalf("status=%d code=%s", status, resp.Code)
	}
}

func TestHeadlessSubscriptionEndpoints(t *testing.T) {
	gw := newTestGateway(t)
	ts, srv := newTestServer(t, gw.URL)
	client := ts.Client()
	token := getToken(t, client, ts.URL)

	var resp struct {
		Status      string `json:"status"`
		Subscribers int    `json:"subscribers"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/accounts/acc-mt5/subscriptions/prices/EURUSD", token, nil, &resp)
	if status != http.StatusOK || resp.Subscribers != 1 {
		t.Fatalf("subscribe: status=%d resp=%+v", status, resp)
	}
	if got := srv.Headless.PriceCount("acc-mt5", "EURUSD"); got != 1 {
		t.Errorf("ref count after subscribe = %d", got)
	}

	status = doJSONRequest(t, client, http.MethodDelete, ts.URL+"/api/accounts/acc-mt5/subscriptions/prices/EURUSD", token, nil, &resp)
	if status != http.StatusOK || resp.Subscribers != 0 {
		t.Fatalf("unsubscribe: status=%d resp=%+v", status, resp)
	}

	var tfResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/accounts/acc-mt5/subscriptions/candles/EURUSD/M7", token, nil, &tfResp)
	if status != http.StatusBadRequest || tfResp.Code != "INVALID_TIMEFRAME" {
		t.Fatalf("bad timeframe accepted: status=%d code=%s", status, tfResp.Code)
	}
}

func TestTriggerSync(t *testing.T) {
	gw := newTestGateway(t)
	ts, _ := newTestServer(t, gw.URL)
	client := ts.Client()
	token := getToken(t, client, ts.URL)

	var resp struct {
		Queued bool `json:"queued"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/accounts/acc-mt5/sync", token, nil, &resp)
	if status != http.StatusAccepted || !resp.Queued {
		t.Fatalf("first sync: status=%d resp=%+v", status, resp)
	}

	// Worker is not running, so the account stays in-flight and a second
	// trigger coalesces.
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/accounts/acc-mt5/sync", token, nil, &resp)
	if status != http.StatusOK || resp.Queued {
		t.Fatalf("second sync: status=%d resp=%+v", status, resp)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/accounts/nope/sync", token, nil, &errResp)
	if status != http.StatusNotFound || errResp.Code != "ACCOUNT_NOT_FOUND" {
		t.Fatalf("unknown account sync: status=%d code=%s", status, errResp.Code)
	}
}

func TestSystemStatusAndPoolStats(t *testing.T) {
	gw := newTestGateway(t)
	ts, _ := newTestServer(t, gw.URL)
	client := ts.Client()

	var statusResp struct {
		Version  string `json:"version"`
		FeedMode string `json:"feed_mode"`
	}
	code := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/system/status", "", nil, &statusResp)
	if code != http.StatusOK || statusResp.Version != "test" || statusResp.FeedMode != "polling" {
		t.Fatalf("system status: code=%d resp=%+v", code, statusResp)
	}

	// Pool stats sit behind auth.
	code = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/pool/stats", "", nil, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("pool stats without token: code=%d", code)
	}

	token := getToken(t, client, ts.URL)
	var pool registry.PoolStats
	code = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/pool/stats", token, nil, &pool)
	if code != http.StatusOK || pool.MaxSize == 0 {
		t.Fatalf("pool stats: code=%d stats=%+v", code, pool)
	}
}

func TestWSPricesHoldsHeadlessRef(t *testing.T) {
	gw := newTestGateway(t)
	ts, srv := newTestServer(t, gw.URL)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/prices/acc-mt5/EURUSD"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%+v)", err, resp)
	}

	waitFor(t, func() bool { return srv.Headless.PriceCount("acc-mt5", "EURUSD") == 1 })

	srv.Bus.Publish(events.PricesGroup("acc-mt5", "EURUSD"), common.PriceData{
		Symbol: "EURUSD", Bid: 1.1, Ask: 1.1002, Timestamp: time.Now(),
	})

	var tick common.PriceData
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&tick); err != nil {
		t.Fatalf("read tick: %v", err)
	}
	if tick.Symbol != "EURUSD" || tick.Bid != 1.1 {
		t.Errorf("tick = %+v", tick)
	}

	conn.Close()
	waitFor(t, func() bool { return srv.Headless.PriceCount("acc-mt5", "EURUSD") == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
