package common

import "time"

// Side denotes trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// AccountInfo is the normalized account snapshot every platform returns.
type AccountInfo struct {
	Login      int64   `json:"login"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	FreeMargin float64 `json:"free_margin"`
	Leverage   int     `json:"leverage"`
	Currency   string  `json:"currency"`
}

// PositionInfo is the normalized open-position shape.
type PositionInfo struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Volume       float64   `json:"volume"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	Profit       float64   `json:"profit"`
	Swap         float64   `json:"swap"`
	OpenedAt     time.Time `json:"opened_at"`
	Comment      string    `json:"comment,omitempty"`
}

// PriceData is a normalized quote.
type PriceData struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// CandleData is a normalized OHLCV bar.
type CandleData struct {
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// SymbolInfo describes a tradable instrument.
type SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	Digits       int     `json:"digits"`
	PointSize    float64 `json:"point_size"`
	TickSize     float64 `json:"tick_size"`
	ContractSize float64 `json:"contract_size"`
	MinVolume    float64 `json:"min_volume"`
	MaxVolume    float64 `json:"max_volume"`
	VolumeStep   float64 `json:"volume_step"`
}

// TradeRequest is the standardized order a caller submits. Stop loss and take
// profit may be given either as absolute prices or as pip distances; a
// platform uses whichever it supports, distances win when both are set.
type TradeRequest struct {
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Type           OrderType `json:"type"`
	Volume         float64   `json:"volume"`
	Price          float64   `json:"price,omitempty"` // limit/stop orders only
	StopLoss       float64   `json:"stop_loss,omitempty"`
	TakeProfit     float64   `json:"take_profit,omitempty"`
	StopLossPips   float64   `json:"stop_loss_pips,omitempty"`
	TakeProfitPips float64   `json:"take_profit_pips,omitempty"`
	Comment        string    `json:"comment,omitempty"`
}

// DealData is a normalized closed deal from the broker's history.
type DealData struct {
	ID       string    `json:"id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Volume   float64   `json:"volume"`
	Price    float64   `json:"price"`
	Profit   float64   `json:"profit"`
	ClosedAt time.Time `json:"closed_at"`
}

// TradeResult is the normalized outcome of a trade operation.
type TradeResult struct {
	PositionID    string  `json:"position_id,omitempty"`
	OrderID       string  `json:"order_id,omitempty"`
	ExecutedPrice float64 `json:"executed_price,omitempty"`
	Volume        float64 `json:"volume"`
	Status        string  `json:"status"`
	Message       string  `json:"message,omitempty"`
}
