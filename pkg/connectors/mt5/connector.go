package mt5

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"tradebridge/pkg/connectors/common"
)

// Subscriptions is the shared price/candle subscription plumbing the
// connector delegates to, so many consumers share one upstream feed.
type Subscriptions interface {
	Price(ctx context.Context, accountID, symbol string) (<-chan common.PriceData, func(), error)
	Candles(ctx context.Context, accountID, symbol, timeframe string) (<-chan common.CandleData, func(), error)
}

// Connector adapts one MT5 session client to the standardized contract.
type Connector struct {
	accountID string
	client    *Client
	subs      Subscriptions
}

// NewConnector wraps client for accountID. subs may be nil when live
// subscriptions are not needed (one-shot callers).
func NewConnector(accountID string, client *Client, subs Subscriptions) *Connector {
	return &Connector{accountID: accountID, client: client, subs: subs}
}

// wrapErr converts transport-level failures into the standardized taxonomy.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden {
			return &common.AuthenticationError{Platform: "MT5", Err: err}
		}
	}
	return &common.ConnectionError{Platform: "MT5", Err: err}
}

func (c *Connector) PlatformName() string { return "MT5" }

func (c *Connector) Connect(ctx context.Context) error {
	return wrapErr(c.client.Connect(ctx))
}

func (c *Connector) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func (c *Connector) IsConnected() bool { return c.client.IsConnected() }

func (c *Connector) GetAccountInfo(ctx context.Context) (*common.AccountInfo, error) {
	info, err := c.client.AccountInfo(ctx)
	if err != nil {
		return nil, wrapErr(err)
	}
	return info, nil
}

func (c *Connector) PlaceTrade(ctx context.Context, req common.TradeRequest) (*common.TradeResult, error) {
	body := map[string]any{
		"symbol":     req.Symbol,
		"side":       string(req.Side),
		"order_type": string(req.Type),
		"volume":     req.Volume,
	}
	if req.Price > 0 {
		body["price"] = req.Price
	}
	if req.StopLoss > 0 {
		body["sl"] = req.StopLoss
	}
	if req.TakeProfit > 0 {
		body["tp"] = req.TakeProfit
	}
	if req.StopLossPips > 0 {
		body["sl_pips"] = req.StopLossPips
	}
	if req.TakeProfitPips > 0 {
		body["tp_pips"] = req.TakeProfitPips
	}
	if req.Comment != "" {
		body["comment"] = req.Comment
	}

	res, err := c.client.Trade(ctx, body)
	if err != nil {
		return nil, wrapErr(err)
	}
	return normalizeTradeResult(res), nil
}

func normalizeTradeResult(res *wireTradeResult) *common.TradeResult {
	status := "FILLED"
	// MT5 TRADE_RETCODE_DONE is 10009; anything else is reported verbatim.
	if res.Retcode != 0 && res.Retcode != 10009 {
		status = "REJECTED"
	}
	return &common.TradeResult{
		PositionID:    formatTicket(res.Position),
		OrderID:       formatTicket(res.Order),
		ExecutedPrice: res.Price,
		Volume:        res.Volume,
		Status:        status,
		Message:       res.Comment,
	}
}

func (c *Connector) ClosePosition(ctx context.Context, positionID string, volume float64, symbol string) (*common.TradeResult, error) {
	res, err := c.client.ClosePosition(ctx, positionID, volume, symbol)
	if err != nil {
		return nil, wrapErr(err)
	}
	return normalizeTradeResult(res), nil
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
		// Serve the cached quote when the gateway hiccups and we have one.
		if cached, ok := c.client.CachedPrice(symbol); ok {
			return &cached, nil
		}
		return nil, wrapErr(err)
	}
	return price, nil
}

func (c *Connector) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, count int) ([]common.CandleData, error) {
	if !common.ValidTimeframe(timeframe) {
		return nil, &common.UnsupportedOperationError{Platform: "MT5", Operation: "candles timeframe " + timeframe}
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
		return nil, nil, &common.UnsupportedOperationError{Platform: "MT5", Operation: "subscribe_price"}
	}
	return c.subs.Price(ctx, c.accountID, symbol)
}

func (c *Connector) SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan common.CandleData, func(), error) {
	if c.subs == nil {
		return nil, nil, &common.UnsupportedOperationError{Platform: "MT5", Operation: "subscribe_candles"}
	}
	if !common.ValidTimeframe(timeframe) {
		return nil, nil, &common.UnsupportedOperationError{Platform: "MT5", Operation: "candles timeframe " + timeframe}
	}
	return c.subs.Candles(ctx, c.accountID, symbol, timeframe)
}

func (c *Connector) OnAccountInfo(fn func(common.AccountInfo)) func() {
	return c.client.OnAccountInfo(fn)
}

func (c *Connector) OnPositionUpdate(fn func(common.PositionInfo)) func() {
	return c.client.OnPositionUpdate(fn)
}

func (c *Connector) OnPositionClosed(fn func(positionID string)) func() {
	return c.client.OnPositionClosed(fn)
}

// ParsePositionID validates a ticket string.
func ParsePositionID(id string) (int64, error) {
	return strconv.ParseInt(id, 10, 64)
}
