// Package mt5 wraps the MT5 REST/WebSocket gateway. One Client holds the
// session for one broker login; the Manager guarantees at most one live
// Client per internal account.
package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/logger"
)

// Config holds connection settings for one MT5 account session.
type Config struct {
	BaseURL      string
	ServiceToken string // shared-secret Bearer token for internal calls
	AccountID    string // internal account id
	Login        int64
	Password     string
	Server       string

	EnableWS bool
	WSURL    string

	// RequestBudget caps requests/sec against the gateway; 0 means default.
	RequestBudget float64
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mt5 gateway status %d: %s", e.Status, e.Message)
}

// HTTPStatus exposes the status code without tying callers to this type.
func (e *APIError) HTTPStatus() int { return e.Status }

// Client is a long-lived session client for one MT5 account.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter

	mu            sync.RWMutex
	connected     bool
	lastInfo      *common.AccountInfo
	lastInfoAt    time.Time
	lastPositions []common.PositionInfo
	lastPosAt     time.Time
	lastPrices    map[string]common.PriceData

	listeners listenerSet
	wsCancel  context.CancelFunc
}

// NewClient builds a Client; no network I/O happens until Connect.
func NewClient(cfg Config) *Client {
	budget := cfg.RequestBudget
	if budget <= 0 {
		budget = 50
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(budget), int(budget)),
		lastPrices: make(map[string]common.PriceData),
	}
}

// do performs one authenticated gateway call and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.cfg.BaseURL + path
	if query != nil {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.ServiceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.ServiceToken)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		msg := string(b)
		var wire struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		if json.Unmarshal(b, &wire) == nil {
			if wire.Detail != "" {
				msg = wire.Detail
			} else if wire.Error != "" {
				msg = wire.Error
			}
		}
		return &APIError{Status: res.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) loginQuery() url.Values {
	q := url.Values{}
	q.Set("login", strconv.FormatInt(c.cfg.Login, 10))
	return q
}

// Connect opens the broker session on the gateway and, when enabled, starts
// the websocket loop.
func (c *Client) Connect(ctx context.Context) error {
	body := map[string]any{
		"login":    c.cfg.Login,
		"password": c.cfg.Password,
		"server":   c.cfg.Server,
	}
	if err := c.do(ctx, http.MethodPost, "/mt5/connect", nil, body, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.cfg.EnableWS {
		wsCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.wsCancel = cancel
		c.mu.Unlock()
		go c.runWS(wsCtx)
	}
	return nil
}

// Disconnect drops the session state. Idempotent.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	cancel := c.wsCancel
	c.wsCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// IsConnected reports the last known session state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Login returns the broker login this client serves.
func (c *Client) Login() int64 { return c.cfg.Login }

// AccountInfo fetches the account snapshot and refreshes the cache.
func (c *Client) AccountInfo(ctx context.Context) (*common.AccountInfo, error) {
	var wire wireAccountInfo
	if err := c.do(ctx, http.MethodGet, "/mt5/account_info", c.loginQuery(), nil, &wire); err != nil {
		return nil, err
	}
	info := wire.normalize()

	c.mu.Lock()
	c.lastInfo = &info
	c.lastInfoAt = time.Now()
	c.mu.Unlock()
	return &info, nil
}

// CachedAccountInfo returns the last snapshot without network I/O.
func (c *Client) CachedAccountInfo() (*common.AccountInfo, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastInfo, c.lastInfoAt
}

// Trade submits an order to the gateway.
func (c *Client) Trade(ctx context.Context, body map[string]any) (*wireTradeResult, error) {
	var out wireTradeResult
	if err := c.do(ctx, http.MethodPost, "/mt5/trade", c.loginQuery(), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Positions fetches open positions and refreshes the cache.
func (c *Client) Positions(ctx context.Context) ([]common.PositionInfo, error) {
	var wire struct {
		Positions []wirePosition `json:"positions"`
	}
	if err := c.do(ctx, http.MethodGet, "/mt5/positions", c.loginQuery(), nil, &wire); err != nil {
		return nil, err
	}
	out := make([]common.PositionInfo, 0, len(wire.Positions))
	for _, p := range wire.Positions {
		out = append(out, p.normalize())
	}

	c.mu.Lock()
	c.lastPositions = out
	c.lastPosAt = time.Now()
	c.mu.Unlock()
	return out, nil
}

// Position fetches one position by ticket.
func (c *Client) Position(ctx context.Context, positionID string) (*common.PositionInfo, error) {
	var wire wirePosition
	if err := c.do(ctx, http.MethodGet, "/mt5/positions/"+positionID, c.loginQuery(), nil, &wire); err != nil {
		return nil, err
	}
	pos := wire.normalize()
	return &pos, nil
}

// ClosePosition closes (part of) a position.
func (c *Client) ClosePosition(ctx context.Context, positionID string, volume float64, symbol string) (*wireTradeResult, error) {
	body := map[string]any{"volume": volume}
	if symbol != "" {
		body["symbol"] = symbol
	}
	var out wireTradeResult
	if err := c.do(ctx, http.MethodPost, "/mt5/positions/"+positionID+"/close", c.loginQuery(), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModifyPosition updates SL/TP on a position. Nil pointers leave a side untouched.
func (c *Client) ModifyPosition(ctx context.Context, positionID, symbol string, stopLoss, takeProfit *float64) error {
	body := map[string]any{}
	if symbol != "" {
		body["symbol"] = symbol
	}
	if stopLoss != nil {
		body["sl"] = *stopLoss
	}
	if takeProfit != nil {
		body["tp"] = *takeProfit
	}
	return c.do(ctx, http.MethodPost, "/mt5/positions/"+positionID+"/modify", c.loginQuery(), body, nil)
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodPost, "/mt5/orders/"+orderID+"/cancel", c.loginQuery(), nil, nil)
}

// Price fetches the live quote for symbol and refreshes the price cache.
func (c *Client) Price(ctx context.Context, symbol string) (*common.PriceData, error) {
	q := c.loginQuery()
	q.Set("symbol", symbol)
	var wire wirePrice
	if err := c.do(ctx, http.MethodGet, "/mt5/price", q, nil, &wire); err != nil {
		return nil, err
	}
	price := wire.normalize(symbol)

	c.mu.Lock()
	c.lastPrices[symbol] = price
	c.mu.Unlock()
	return &price, nil
}

// CachedPrice returns the last quote seen for symbol.
func (c *Client) CachedPrice(symbol string) (common.PriceData, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.lastPrices[symbol]
	return p, ok
}

// Candles fetches historical bars.
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, count int) ([]common.CandleData, error) {
	q := c.loginQuery()
	q.Set("symbol", symbol)
	q.Set("timeframe", timeframe)
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	var wire struct {
		Candles []wireCandle `json:"candles"`
	}
	if err := c.do(ctx, http.MethodGet, "/mt5/candles", q, nil, &wire); err != nil {
		return nil, err
	}
	out := make([]common.CandleData, 0, len(wire.Candles))
	for _, k := range wire.Candles {
		out = append(out, k.normalize(symbol, timeframe))
	}
	return out, nil
}

// SymbolInfo fetches instrument metadata.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (*common.SymbolInfo, error) {
	q := c.loginQuery()
	q.Set("symbol", symbol)
	var wire wireSymbolInfo
	if err := c.do(ctx, http.MethodGet, "/mt5/symbol_info", q, nil, &wire); err != nil {
		return nil, err
	}
	info := wire.normalize(symbol)
	return &info, nil
}

// Symbols fetches the tradable symbol list.
func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	var wire struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.do(ctx, http.MethodGet, "/mt5/symbols", c.loginQuery(), nil, &wire); err != nil {
		return nil, err
	}
	return wire.Symbols, nil
}

// SyncData fetches the account's closed deals for trade synchronization.
func (c *Client) SyncData(ctx context.Context) ([]common.DealData, error) {
	var wire struct {
		Deals []wireDeal `json:"deals"`
	}
	if err := c.do(ctx, http.MethodGet, "/mt5/deals/sync_data", c.loginQuery(), nil, &wire); err != nil {
		return nil, err
	}
	out := make([]common.DealData, 0, len(wire.Deals))
	for _, d := range wire.Deals {
		out = append(out, d.normalize())
	}
	return out, nil
}

// ----------------------------------------
// Headless poller endpoints
// ----------------------------------------

// StartHeadless starts the gateway-side poller for this account.
func (c *Client) StartHeadless(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/mt5/headless/start", c.loginQuery(), nil, nil)
}

// SubscribePrice asks the gateway poller to stream ticks for symbol.
func (c *Client) SubscribePrice(ctx context.Context, symbol string) error {
	body := map[string]any{"symbol": symbol}
	return c.do(ctx, http.MethodPost, "/mt5/headless/subscribe_price", c.loginQuery(), body, nil)
}

// UnsubscribePrice retracts the gateway-side tick stream for symbol.
func (c *Client) UnsubscribePrice(ctx context.Context, symbol string) error {
	body := map[string]any{"symbol": symbol}
	return c.do(ctx, http.MethodPost, "/mt5/headless/unsubscribe_price", c.loginQuery(), body, nil)
}

// SubscribeCandles asks the gateway poller to stream bars for (symbol, timeframe).
func (c *Client) SubscribeCandles(ctx context.Context, symbol, timeframe string) error {
	body := map[string]any{"symbol": symbol, "timeframe": timeframe}
	return c.do(ctx, http.MethodPost, "/mt5/headless/subscribe_candles", c.loginQuery(), body, nil)
}

// UnsubscribeCandles retracts the gateway-side bar stream.
func (c *Client) UnsubscribeCandles(ctx context.Context, symbol, timeframe string) error {
	body := map[string]any{"symbol": symbol, "timeframe": timeframe}
	return c.do(ctx, http.MethodPost, "/mt5/headless/unsubscribe_candles", c.loginQuery(), body, nil)
}

// ----------------------------------------
// Listeners
// ----------------------------------------

type listenerSet struct {
	mu             sync.Mutex
	nextID         int
	accountInfo    map[int]func(common.AccountInfo)
	positionUpdate map[int]func(common.PositionInfo)
	positionClosed map[int]func(string)
	price          map[int]func(common.PriceData)
	candle         map[int]func(common.CandleData)
}

func (l *listenerSet) addAccountInfo(fn func(common.AccountInfo)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.accountInfo == nil {
		l.accountInfo = make(map[int]func(common.AccountInfo))
	}
	id := l.nextID
	l.nextID++
	l.accountInfo[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.accountInfo, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) addPositionUpdate(fn func(common.PositionInfo)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.positionUpdate == nil {
		l.positionUpdate = make(map[int]func(common.PositionInfo))
	}
	id := l.nextID
	l.nextID++
	l.positionUpdate[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.positionUpdate, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) addPositionClosed(fn func(string)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.positionClosed == nil {
		l.positionClosed = make(map[int]func(string))
	}
	id := l.nextID
	l.nextID++
	l.positionClosed[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.positionClosed, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) addPrice(fn func(common.PriceData)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.price == nil {
		l.price = make(map[int]func(common.PriceData))
	}
	id := l.nextID
	l.nextID++
	l.price[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.price, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) addCandle(fn func(common.CandleData)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.candle == nil {
		l.candle = make(map[int]func(common.CandleData))
	}
	id := l.nextID
	l.nextID++
	l.candle[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.candle, id)
		l.mu.Unlock()
	}
}

func (l *listenerSet) fireAccountInfo(info common.AccountInfo) {
	l.mu.Lock()
	fns := make([]func(common.AccountInfo), 0, len(l.accountInfo))
	for _, fn := range l.accountInfo {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(info)
	}
}

func (l *listenerSet) firePositionUpdate(pos common.PositionInfo) {
	l.mu.Lock()
	fns := make([]func(common.PositionInfo), 0, len(l.positionUpdate))
	for _, fn := range l.positionUpdate {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(pos)
	}
}

func (l *listenerSet) firePositionClosed(positionID string) {
	l.mu.Lock()
	fns := make([]func(string), 0, len(l.positionClosed))
	for _, fn := range l.positionClosed {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(positionID)
	}
}

func (l *listenerSet) firePrice(price common.PriceData) {
	l.mu.Lock()
	fns := make([]func(common.PriceData), 0, len(l.price))
	for _, fn := range l.price {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(price)
	}
}

func (l *listenerSet) fireCandle(candle common.CandleData) {
	l.mu.Lock()
	fns := make([]func(common.CandleData), 0, len(l.candle))
	for _, fn := range l.candle {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(candle)
	}
}

// OnAccountInfo registers an account snapshot listener.
func (c *Client) OnAccountInfo(fn func(common.AccountInfo)) func() {
	return c.listeners.addAccountInfo(fn)
}

// OnPositionUpdate registers a position update listener.
func (c *Client) OnPositionUpdate(fn func(common.PositionInfo)) func() {
	return c.listeners.addPositionUpdate(fn)
}

// OnPositionClosed registers a position-closed listener.
func (c *Client) OnPositionClosed(fn func(string)) func() {
	return c.listeners.addPositionClosed(fn)
}

// OnPrice registers a websocket tick listener.
func (c *Client) OnPrice(fn func(common.PriceData)) func() {
	return c.listeners.addPrice(fn)
}

// OnCandle registers a websocket bar listener.
func (c *Client) OnCandle(fn func(common.CandleData)) func() {
	return c.listeners.addCandle(fn)
}

var log = logger.WithComponent("mt5")
