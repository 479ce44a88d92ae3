// Package common defines the platform-agnostic connector contract. Every
// broker adapter exposes this capability set so callers never branch on
// platform type; each method returns normalized result objects or one of the
// standardized error types (ConnectionError, AuthenticationError,
// UnsupportedOperationError).
package common

import "context"

// Connector abstracts one trading account on one platform.
type Connector interface {
	// Connect establishes (or verifies) the broker session.
	Connect(ctx context.Context) error
	// Disconnect tears the session down. Idempotent.
	Disconnect(ctx context.Context) error
	// IsConnected reports the last known session state without network I/O.
	IsConnected() bool
	// PlatformName returns the platform identifier ("MT5", "cTrader").
	PlatformName() string

	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	PlaceTrade(ctx context.Context, req TradeRequest) (*TradeResult, error)
	ClosePosition(ctx context.Context, positionID string, volume float64, symbol string) (*TradeResult, error)
	// ModifyPositionProtection updates SL/TP; a nil pointer leaves the side untouched.
	ModifyPositionProtection(ctx context.Context, positionID, symbol string, stopLoss, takeProfit *float64) error
	GetPositionDetails(ctx context.Context, positionID string) (*PositionInfo, error)
	GetOpenPositions(ctx context.Context) ([]PositionInfo, error)
	CancelOrder(ctx context.Context, orderID string) error

	GetLivePrice(ctx context.Context, symbol string) (*PriceData, error)
	GetHistoricalCandles(ctx context.Context, symbol, timeframe string, count int) ([]CandleData, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	GetSupportedSymbols(ctx context.Context) ([]string, error)
	ValidateSymbol(ctx context.Context, symbol string) (bool, error)

	// SubscribePrice shares one upstream feed across all subscribers of the
	// same symbol; the returned stop function releases this subscriber's ref.
	SubscribePrice(ctx context.Context, symbol string) (<-chan PriceData, func(), error)
	// SubscribeCandles behaves like SubscribePrice keyed by (symbol, timeframe).
	SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan CandleData, func(), error)

	// Listener registration for broker-pushed events. The returned function
	// unregisters the listener.
	OnAccountInfo(fn func(AccountInfo)) func()
	OnPositionUpdate(fn func(PositionInfo)) func()
	OnPositionClosed(fn func(positionID string)) func()
}
