package mt5

import (
	"strconv"
	"time"

	"tradebridge/pkg/connectors/common"
)

// Wire shapes of the MT5 gateway. Missing fields default to zero values
// rather than failing the call.

type wireAccountInfo struct {
	Login      int64   `json:"login"`
	Balance    float64 `json:"balance"`
	Equity     float64 `json:"equity"`
	Margin     float64 `json:"margin"`
	MarginFree float64 `json:"margin_free"`
	Leverage   int     `json:"leverage"`
	Currency   string  `json:"currency"`
}

func (w wireAccountInfo) normalize() common.AccountInfo {
	return common.AccountInfo{
		Login:      w.Login,
		Balance:    w.Balance,
		Equity:     w.Equity,
		Margin:     w.Margin,
		FreeMargin: w.MarginFree,
		Leverage:   w.Leverage,
		Currency:   w.Currency,
	}
}

type wirePosition struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         int     `json:"type"` // 0 = buy, 1 = sell
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	SL           float64 `json:"sl"`
	TP           float64 `json:"tp"`
	Profit       float64 `json:"profit"`
	Swap         float64 `json:"swap"`
	Time         int64   `json:"time"` // unix seconds
	Comment      string  `json:"comment"`
}

func (w wirePosition) normalize() common.PositionInfo {
	side := common.SideBuy
	if w.Type == 1 {
		side = common.SideSell
	}
	var openedAt time.Time
	if w.Time > 0 {
		openedAt = time.Unix(w.Time, 0).UTC()
	}
	return common.PositionInfo{
		ID:           formatTicket(w.Ticket),
		Symbol:       w.Symbol,
		Side:         side,
		Volume:       w.Volume,
		OpenPrice:    w.PriceOpen,
		CurrentPrice: w.PriceCurrent,
		StopLoss:     w.SL,
		TakeProfit:   w.TP,
		Profit:       w.Profit,
		Swap:         w.Swap,
		OpenedAt:     openedAt,
		Comment:      w.Comment,
	}
}

type wirePrice struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Time   int64   `json:"time"` // unix milliseconds
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
	Time       int64   `json:"time"` // unix seconds, bar open
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TickVolume float64 `json:"tick_volume"`
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
		Volume:    w.TickVolume,
	}
}

type wireSymbolInfo struct {
	Symbol       string  `json:"symbol"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	TickSize     float64 `json:"trade_tick_size"`
	ContractSize float64 `json:"trade_contract_size"`
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
}

func (w wireSymbolInfo) normalize(symbol string) common.SymbolInfo {
	if w.Symbol != "" {
		symbol = w.Symbol
	}
	return common.SymbolInfo{
		Symbol:       symbol,
		Digits:       w.Digits,
		PointSize:    w.Point,
		TickSize:     w.TickSize,
		ContractSize: w.ContractSize,
		MinVolume:    w.VolumeMin,
		MaxVolume:    w.VolumeMax,
		VolumeStep:   w.VolumeStep,
	}
}

type wireTradeResult struct {
	Retcode  int     `json:"retcode"`
	Order    int64   `json:"order"`
	Deal     int64   `json:"deal"`
	Position int64   `json:"position"`
	Price    float64 `json:"price"`
	Volume   float64 `json:"volume"`
	Comment  string  `json:"comment"`
}

type wireDeal struct {
	Deal   int64   `json:"deal"`
	Symbol string  `json:"symbol"`
	Type   int     `json:"type"` // 0 = buy, 1 = sell
	Volume float64 `json:"volume"`
	Price  float64 `json:"price"`
	Profit float64 `json:"profit"`
	Time   int64   `json:"time"` // unix seconds
}

func (w wireDeal) normalize() common.DealData {
	side := common.SideBuy
	if w.Type == 1 {
		side = common.SideSell
	}
	var closedAt time.Time
	if w.Time > 0 {
		closedAt = time.Unix(w.Time, 0).UTC()
	}
	return common.DealData{
		ID:       formatTicket(w.Deal),
		Symbol:   w.Symbol,
		Side:     side,
		Volume:   w.Volume,
		Price:    w.Price,
		Profit:   w.Profit,
		ClosedAt: closedAt,
	}
}

func formatTicket(ticket int64) string {
	if ticket == 0 {
		return ""
	}
	return strconv.FormatInt(ticket, 10)
}
