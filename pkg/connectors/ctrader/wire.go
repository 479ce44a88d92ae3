package ctrader

import (
	"strconv"
	"time"

	"tradebridge/pkg/connectors/common"
)

// Wire shapes of the cTrader microservice. Missing fields default to zero
// values rather than failing the call.

type wireAccountInfo struct {
	CTID       int64   `json:"ctid"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin_used"`
	MarginFree float64 `json:"margin_free"`
	Leverage   int     `json:"leverage"`
	Currency   string  `json:"deposit_currency"`
}

func (w wireAccountInfo) normalize() common.AccountInfo {
	return common.AccountInfo{
		Login:      w.CTID,
		Balance:    w.Balance,
		Equity:     w.Equity,
		Margin:     w.Margin,
		FreeMargin: w.MarginFree,
		Leverage:   w.Leverage,
		Currency:   w.Currency,
	}
}

type wirePosition struct {
	PositionID   int64   `json:"position_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"` // "BUY" / "SELL"
	VolumeLots   float64 `json:"volume_lots"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	GrossProfit  float64 `json:"gross_profit"`
	Swap         float64 `json:"swap"`
	OpenedAt     string  `json:"opened_at"` // RFC 3339
	Comment      string  `json:"comment"`
}

func (w wirePosition) normalize() common.PositionInfo {
	side := common.SideBuy
	if w.Side == "SELL" || w.Side == "sell" {
		side = common.SideSell
	}
	var openedAt time.Time
	if w.OpenedAt != "" {
		if ts, err := time.Parse(time.RFC3339, w.OpenedAt); err == nil {
			openedAt = ts.UTC()
		}
	}
	return common.PositionInfo{
		ID:           formatPositionID(w.PositionID),
		Symbol:       w.Symbol,
		Side:         side,
		Volume:       w.VolumeLots,
		OpenPrice:    w.EntryPrice,
		CurrentPrice: w.CurrentPrice,
		StopLoss:     w.StopLoss,
		TakeProfit:   w.TakeProfit,
		Profit:       w.GrossProfit,
		Swap:         w.Swap,
		OpenedAt:     openedAt,
		Comment:      w.Comment,
	}
}

type wirePrice struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   int64   `json:"timestamp_ms"`
}

func (w wirePrice) normalize(symbol string) common.PriceData {
	if w.Symbol != "" {
		symbol = w.Symbol
	}
	ts := time.Now().UTC()
	if w.Time > 0 {
		ts = time.UnixMilli(w.Time).UTC()
	}
	return common.PriceData{Symbol: symbol, Bid: w.Bid, Ask: w.Ask, Timestamp: ts}
}

type wireCandle struct {
	Time   int64   `json:"time"` // unix seconds, bar open
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func (w wireCandle) normalize(symbol, timeframe string) common.CandleData {
	return common.CandleData{
		Symbol:    symbol,
		Timeframe: timeframe,
		OpenTime:  time.Unix(w.Time, 0).UTC(),
		Open:      w.Open,
		High:      w.High,
		Low:       w.Low,
		Close:     w.Close,
		Volume:    w.Volume,
	}
}

type wireSymbolInfo struct {
	Symbol     string  `json:"symbol"`
	Digits     int     `json:"digits"`
	PipSize    float64 `json:"pip_size"`
	TickSize   float64 `json:"tick_size"`
	LotSize    float64 `json:"lot_size"`
	VolumeMin  float64 `json:"volume_min_lots"`
	VolumeMax  float64 `json:"volume_max_lots"`
	VolumeStep float64 `json:"volume_step_lots"`
}

func (w wireSymbolInfo) normalize(symbol string) common.SymbolInfo {
	if w.Symbol != "" {
		symbol = w.Symbol
	}
	return common.SymbolInfo{
		Symbol:       symbol,
		Digits:       w.Digits,
		PointSize:    w.PipSize,
		TickSize:     w.TickSize,
		ContractSize: w.LotSize,
		MinVolume:    w.VolumeMin,
		MaxVolume:    w.VolumeMax,
		VolumeStep:   w.VolumeStep,
	}
}

type wireTradeResult struct {
	Status     string  `json:"status"`
	OrderID    int64   `json:"order_id"`
	PositionID int64   `json:"position_id"`
	FillPrice  float64 `json:"fill_price"`
	VolumeLots float64 `json:"volume_lots"`
	Message    string  `json:"message"`
}

func (w wireTradeResult) normalize() *common.TradeResult {
	status := w.Status
	if status == "" {
		status = "FILLED"
	}
	return &common.TradeResult{
		PositionID:    formatPositionID(w.PositionID),
		OrderID:       formatPositionID(w.OrderID),
		ExecutedPrice: w.FillPrice,
		Volume:        w.VolumeLots,
		Status:        status,
		Message:       w.Message,
	}
}

func formatPositionID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}
