// Package ctrader proxies the cTrader microservice over HTTP. Unlike MT5
// there is no broker session to hold; clients are cheap and built per call.
package ctrader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/logger"
)

var log = logger.WithComponent("ctrader")

// Config holds connection settings for the cTrader microservice.
type Config struct {
	BaseURL      string
	ServiceToken string // shared-secret Bearer token for internal calls
	APIPrefix    string // default "/ctrader"

	AccountID     string // internal account id, used for idempotency keys
	CTID          int64  // cTrader trader id the microservice routes by
	AccessToken   string // per-account broker token, forwarded to the service
	AccountNumber string
}

// APIError is a non-2xx response from the microservice.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ctrader service status %d: %s", e.Status, e.Message)
}

// HTTPStatus exposes the status code without tying callers to this type.
func (e *APIError) HTTPStatus() int { return e.Status }

// Client is a thin per-account HTTP proxy.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/ctrader"
	}
	cfg.APIPrefix = "/" + strings.Trim(cfg.APIPrefix, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// do performs one call. idemKey is empty for reads; for writes it is sent
// together with a fresh X-Request-ID so every retry is distinguishable.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, idemKey string) error {
	u := c.cfg.BaseURL + c.cfg.APIPrefix + path
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
	if c.cfg.AccessToken != "" {
		req.Header.Set("X-Account-Token", c.cfg.AccessToken)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
		req.Header.Set("X-Request-ID", uuid.NewString())
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

func (c *Client) accountQuery() url.Values {
	q := url.Values{}
	q.Set("ctid", strconv.FormatInt(c.cfg.CTID, 10))
	return q
}

func (c *Client) AccountInfo(ctx context.Context) (*common.AccountInfo, error) {
	var wire wireAccountInfo
	if err := c.do(ctx, http.MethodGet, "/account_info", c.accountQuery(), nil, &wire, ""); err != nil {
		return nil, err
	}
	info := wire.normalize()
	return &info, nil
}

func (c *Client) PlaceTrade(ctx context.Context, req common.TradeRequest) (*wireTradeResult, error) {
	body := map[string]any{
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"order_type":  string(req.Type),
		"volume_lots": req.Volume,
	}
	if req.Price > 0 {
		body["price"] = req.Price
	}
	if req.StopLoss > 0 {
		body["stop_loss"] = req.StopLoss
	}
	if req.TakeProfit > 0 {
		body["take_profit"] = req.TakeProfit
	}
	if req.Comment != "" {
		body["comment"] = req.Comment
	}

	natural := fmt.Sprintf("%s:%s:%s:%v", req.Symbol, req.Side, req.Type, req.Volume)
	key := IdempotencyKey(c.cfg.AccountID, "place_trade", natural)

	var out wireTradeResult
	if err := c.do(ctx, http.MethodPost, "/trade", c.accountQuery(), body, &out, key); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Positions(ctx context.Context) ([]common.PositionInfo, error) {
	var wire struct {
		Positions []wirePosition `json:"positions"`
	}
	if err := c.do(ctx, http.MethodGet, "/positions", c.accountQuery(), nil, &wire, ""); err != nil {
		return nil, err
	}
	out := make([]common.PositionInfo, 0, len(wire.Positions))
	for _, p := range wire.Positions {
		out = append(out, p.normalize())
	}
	return out, nil
}

func (c *Client) Position(ctx context.Context, positionID string) (*common.PositionInfo, error) {
	var wire wirePosition
	if err := c.do(ctx, http.MethodGet, "/positions/"+positionID, c.accountQuery(), nil, &wire, ""); err != nil {
		return nil, err
	}
	pos := wire.normalize()
	return &pos, nil
}

// ClosePosition closes (part of) a position. The body key is volume_lots;
// the service treats a bare volume key as ambiguous and rejects it.
func (c *Client) ClosePosition(ctx context.Context, positionID string, volume float64, symbol string) (*wireTradeResult, error) {
	body := map[string]any{"volume_lots": volume}
	if symbol != "" {
		body["symbol"] = symbol
	}
	natural := fmt.Sprintf("%s:%v", positionID, volume)
	key := IdempotencyKey(c.cfg.AccountID, "close_position", natural)

	var out wireTradeResult
	if err := c.do(ctx, http.MethodPost, "/positions/"+positionID+"/close", c.accountQuery(), body, &out, key); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ModifyPosition(ctx context.Context, positionID, symbol string, stopLoss, takeProfit *float64) error {
	body := map[string]any{}
	if symbol != "" {
		body["symbol"] = symbol
	}
	natural := positionID
	if stopLoss != nil {
		body["stop_loss"] = *stopLoss
		natural += fmt.Sprintf(":sl=%v", *stopLoss)
	}
	if takeProfit != nil {
		body["take_profit"] = *takeProfit
		natural += fmt.Sprintf(":tp=%v", *takeProfit)
	}
	key := IdempotencyKey(c.cfg.AccountID, "modify_position_protection", natural)
	return c.do(ctx, http.MethodPost, "/positions/"+positionID+"/amend_protection", c.accountQuery(), body, nil, key)
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	key := IdempotencyKey(c.cfg.AccountID, "cancel_order", orderID)
	return c.do(ctx, http.MethodPost, "/orders/"+orderID+"/cancel", c.accountQuery(), nil, nil, key)
}

func (c *Client) Price(ctx context.Context, symbol string) (*common.PriceData, error) {
	q := c.accountQuery()
	q.Set("symbol", symbol)
	var wire wirePrice
	if err := c.do(ctx, http.MethodGet, "/price", q, nil, &wire, ""); err != nil {
		return nil, err
	}
	price := wire.normalize(symbol)
	return &price, nil
}

func (c *Client) Candles(ctx context.Context, symbol, timeframe string, count int) ([]common.CandleData, error) {
	q := c.accountQuery()
	q.Set("symbol", symbol)
	q.Set("timeframe", timeframe)
	if count > 0 {
		q.Set("count", strconv.Itoa(count))
	}
	var wire struct {
		Candles []wireCandle `json:"candles"`
	}
	if err := c.do(ctx, http.MethodGet, "/candles", q, nil, &wire, ""); err != nil {
		return nil, err
	}
	out := make([]common.CandleData, 0, len(wire.Candles))
	for _, k := range wire.Candles {
		out = append(out, k.normalize(symbol, timeframe))
	}
	return out, nil
}

func (c *Client) SymbolInfo(ctx context.Context, symbol string) (*common.SymbolInfo, error) {
	q := c.accountQuery()
	q.Set("symbol", symbol)
	var wire wireSymbolInfo
	if err := c.do(ctx, http.MethodGet, "/symbol_info", q, nil, &wire, ""); err != nil {
		return nil, err
	}
	info := wire.normalize(symbol)
	return &info, nil
}

func (c *Client) Symbols(ctx context.Context) ([]string, error) {
	var wire struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.do(ctx, http.MethodGet, "/symbols", c.accountQuery(), nil, &wire, ""); err != nil {
		return nil, err
	}
	return wire.Symbols, nil
}
