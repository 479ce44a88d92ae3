package mt5

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradebridge/pkg/connectors/common"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:      srv.URL,
		ServiceToken: "test-token",
		AccountID:    "acc-1",
		Login:        12345,
		Password:     "secret",
		Server:       "Demo-Server",
	})
}

func TestConnectSendsCredentials(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mt5/connect" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["login"] != float64(12345) || gotBody["server"] != "Demo-Server" {
		t.Errorf("body = %v", gotBody)
	}
	if !client.IsConnected() {
		t.Error("IsConnected = false after Connect")
	}
	if err := client.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected = true after Disconnect")
	}
}

func TestAccountInfoNormalizesAndCaches(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("login") != "12345" {
			t.Errorf("login query = %q", r.URL.Query().Get("login"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"login": 12345, "balance": 1000.5, "equity": 990.0,
			"margin": 50.0, "margin_free": 940.0, "leverage": 100, "currency": "USD",
		})
	}))

	info, err := client.AccountInfo(context.Background())
	if err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}
	if info.Balance != 1000.5 || info.FreeMargin != 940.0 || info.Currency != "USD" {
		t.Errorf("info = %+v", info)
	}

	cached, at := client.CachedAccountInfo()
	if cached == nil || at.IsZero() {
		t.Error("account snapshot not cached")
	}
}

func TestErrorBodyDetailParsing(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"detail": "position not found"})
	}))

	_, err := client.Position(context.Background(), "777")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "position not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestConnectorWrapsAuthFailure(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	conn := NewConnector("acc-1", client, nil)

	_, err := conn.GetAccountInfo(context.Background())
	if !common.IsAuthenticationError(err) {
		t.Errorf("want AuthenticationError, got %v", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Error("wrapped error should still expose the gateway status")
	}
}

func TestConnectorWrapsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // force a dial error
	client := NewClient(Config{BaseURL: srv.URL, Login: 1})
	conn := NewConnector("acc-1", client, nil)

	_, err := conn.GetOpenPositions(context.Background())
	if !common.IsConnectionError(err) {
		t.Errorf("want ConnectionError, got %v", err)
	}
}

func TestPlaceTradeResult(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["side"] != "BUY" || body["volume"] != 0.1 {
			t.Errorf("trade body = %v", body)
		}
		if _, ok := body["price"]; ok {
			t.Error("market order should not send price")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"retcode": 10009, "order": 11, "deal": 12, "position": 13,
			"price": 1.2345, "volume": 0.1, "comment": "done",
		})
	}))
	conn := NewConnector("acc-1", client, nil)

	res, err := conn.PlaceTrade(context.Background(), common.TradeRequest{
		Symbol: "EURUSD",
		Side:   common.SideBuy,
		Type:   common.OrderTypeMarket,
		Volume: 0.1,
	})
	if err != nil {
		t.Fatalf("PlaceTrade: %v", err)
	}
	if res.Status != "FILLED" || res.PositionID != "13" || res.OrderID != "11" {
		t.Errorf("result = %+v", res)
	}
}

func TestPlaceTradeRejectedRetcode(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"retcode": 10019, "comment": "no money"})
	}))
	conn := NewConnector("acc-1", client, nil)

	res, err := conn.PlaceTrade(context.Background(), common.TradeRequest{
		Symbol: "EURUSD", Side: common.SideBuy, Type: common.OrderTypeMarket, Volume: 100,
	})
	if err != nil {
		t.Fatalf("PlaceTrade: %v", err)
	}
	if res.Status != "REJECTED" || res.Message != "no money" {
		t.Errorf("result = %+v", res)
	}
}

func TestLivePriceFallsBackToCache(t *testing.T) {
	fail := false
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"symbol": "EURUSD", "bid": 1.1, "ask": 1.2})
	}))
	conn := NewConnector("acc-1", client, nil)

	if _, err := conn.GetLivePrice(context.Background(), "EURUSD"); err != nil {
		t.Fatalf("GetLivePrice: %v", err)
	}

	fail = true
	price, err := conn.GetLivePrice(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("cached fallback: %v", err)
	}
	if price.Bid != 1.1 || price.Ask != 1.2 {
		t.Errorf("price = %+v", price)
	}
}

func TestValidateSymbolNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	conn := NewConnector("acc-1", client, nil)

	ok, err := conn.ValidateSymbol(context.Background(), "NOPE")
	if err != nil {
		t.Fatalf("ValidateSymbol: %v", err)
	}
	if ok {
		t.Error("unknown symbol reported valid")
	}
}

func TestSubscribeWithoutOrchestrator(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	conn := NewConnector("acc-1", client, nil)

	_, _, err := conn.SubscribePrice(context.Background(), "EURUSD")
	if !common.IsUnsupported(err) {
		t.Errorf("want UnsupportedOperationError, got %v", err)
	}
}
