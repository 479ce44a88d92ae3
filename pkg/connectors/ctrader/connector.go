package ctrader

import (
	"context"
	"errors"
	"net/http"

	"tradebridge/pkg/connectors/common"
)

// Subscriptions is the shared price/candle subscription plumbing. cTrader
// market data arrives over the event bridge, so the upstream side is a no-op;
// delegating still keeps the ref-count bookkeeping in one place.
type Subscriptions interface {
	Price(ctx context.Context, accountID, symbol string) (<-chan common.PriceData, func(), error)
	Candles(ctx context.Context, accountID, symbol, timeframe string) (<-chan common.CandleData, func(), error)
}

// Connector adapts the cTrader microservice proxy to the standardized
// contract. Stateless: there is no broker session to open or keep alive.
type Connector struct {
	accountID string
	client    *Client
	subs      Subscriptions

	protection    ProtectionWriter
	policy        Policy
	amendOutcomes chan AmendOutcome
}

// Option configures optional connector collaborators.
type Option func(*Connector)

// WithProtectionWriter enables the local protection write after amends.
func WithProtectionWriter(w ProtectionWriter) Option {
	return func(c *Connector) { c.protection = w }
}

// WithAmendPolicy overrides the background amend retry bounds.
func WithAmendPolicy(p Policy) Option {
	return func(c *Connector) { c.policy = p }
}

// WithSubscriptions wires shared feed bookkeeping for live subscriptions.
func WithSubscriptions(s Subscriptions) Option {
	return func(c *Connector) { c.subs = s }
}

func NewConnector(accountID string, client *Client, opts ...Option) *Connector {
	c := &Connector{
		accountID:     accountID,
		client:        client,
		policy:        DefaultPolicy(),
		amendOutcomes: make(chan AmendOutcome, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AmendOutcomes exposes background amend results, mainly for tests and
// diagnostics. Outcomes are dropped when nobody reads.
func (c *Connector) AmendOutcomes() <-chan AmendOutcome { return c.amendOutcomes }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden {
			return &common.AuthenticationError{Platform: "cTrader", Err: err}
		}
	}
	return &common.ConnectionError{Platform: "cTrader", Err: err}
}

func (c *Connector) PlatformName() string { return "cTrader" }

// Connect probes the microservice; there is no session to establish.
func (c *Connector) Connect(ctx context.Context) error {
	_, err := c.client.AccountInfo(ctx)
	return wrapErr(err)
}

func (c *Connector) Disconnect(ctx context.Context) error { return nil }

func (c *Connector) IsConnected() bool { return true }

func (c *Connector) GetAccountInfo(ctx context.Context) (*common.AccountInfo, error) {
	info, err := c.client.AccountInfo(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return info, nil
}

// PlaceTrade submits the order. Market orders carrying pip-distance SL/TP
// get a detached amend task; its outcome is logged, never returned here.
func (c *Connector) PlaceTrade(ctx context.Context, req common.TradeRequest) (*common.TradeResult, error) {
	res, err := c.client.PlaceTrade(ctx, req)
	if err != nil {
		return nil, wrapErr(err)
	}
	result := res.normalize()

	if req.Type == common.OrderTypeMarket && (req.StopLossPips > 0 || req.TakeProfitPips > 0) {
		go c.amendProtection(req, result)
	}
	return result, nil
}

func (c *Connector) ClosePosition(ctx context.Context, positionID string, volume float64, symbol string) (*common.TradeResult, error) {
	res, err := c.client.ClosePosition(ctx, positionID, volume, symbol)
	if err != nil {
		return nil, wrapErr(err)
	}
	return res.normalize(), nil
}

func (c *Connector) ModifyPositionProtection(ctx context.Context, positionID, symbol string, stopLoss, takeProfit *float64) error {
	return wrapErr(c.client.ModifyPosition(ctx, positionID, symbol, stopLoss, takeProfit))
}

func (c *Connector) GetPositionDetails(ctx context.Context, positionID string) (*common.PositionInfo, error) {
	pos, err := c.client.Position(ctx, positionID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return pos, nil
}

func (c *Connector) GetOpenPositions(ctx context.Context) ([]common.PositionInfo, error) {
	positions, err := c.client.Positions(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return positions, nil
}

func (c *Connector) CancelOrder(ctx context.Context, orderID string) error {
	return wrapErr(c.client.CancelOrder(ctx, orderID))
}

func (c *Connector) GetLivePrice(ctx context.Context, symbol string) (*common.PriceData, error) {
	price, err := c.client.Price(ctx, symbol)
	if err != nil {
		return nil, wrapErr(err)
	}
	return price, nil
}

func (c *Connector) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, count int) ([]common.CandleData, error) {
	if !common.ValidTimeframe(timeframe) {
		return nil, &common.UnsupportedOperationError{Platform: "cTrader", Operation: "candles timeframe " + timeframe}
	}
	candles, err := c.client.Candles(ctx, symbol, timeframe, count)
	if err != nil {
		return nil, wrapErr(err)
	}
	return candles, nil
}

func (c *Connector) GetSymbolInfo(ctx context.Context, symbol string) (*common.SymbolInfo, error) {
	info, err := c.client.SymbolInfo(ctx, symbol)
	if err != nil {
		return nil, wrapErr(err)
	}
	return info, nil
}

func (c *Connector) GetSupportedSymbols(ctx context.Context) ([]string, error) {
	symbols, err := c.client.Symbols(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return symbols, nil
}

func (c *Connector) ValidateSymbol(ctx context.Context, symbol string) (bool, error) {
	info, err := c.GetSymbolInfo(ctx, symbol)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return info.Symbol != "", nil
}

func (c *Connector) SubscribePrice(ctx context.Context, symbol string) (<-chan common.PriceData, func(), error) {
	if c.subs == nil {
		return nil, nil, &common.UnsupportedOperationError{Platform: "cTrader", Operation: "subscribe_price"}
	}
	return c.subs.Price(ctx, c.accountID, symbol)
}

func (c *Connector) SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan common.CandleData, func(), error) {
	if c.subs == nil {
		return nil, nil, &common.UnsupportedOperationError{Platform: "cTrader", Operation: "subscribe_candles"}
	}
	if !common.ValidTimeframe(timeframe) {
		return nil, nil, &common.UnsupportedOperationError{Platform: "cTrader", Operation: "candles timeframe " + timeframe}
	}
	return c.subs.Candles(ctx, c.accountID, symbol, timeframe)
}

// Push listeners ride the event bridge, not the connector.
func (c *Connector) OnAccountInfo(fn func(common.AccountInfo)) func() { return func() {} }

func (c *Connector) OnPositionUpdate(fn func(common.PositionInfo)) func() { return func() {} }

func (c *Connector) OnPositionClosed(fn func(positionID string)) func() { return func() {} }
