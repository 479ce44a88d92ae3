package db

import "time"

// Account is the internal representation of a trading account.
type Account struct {
	ID        string
	Name      string
	Platform  string // "MT5" or "cTrader"
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MT5Credentials holds the broker login for an MT5 account. Password is the
// encrypted ciphertext as stored; callers decrypt via the keyring.
type MT5Credentials struct {
	AccountID   string
	Login       int64
	Server      string
	PasswordEnc string
	BrokerName  string
}

// CTraderCredentials holds the cTrader identifiers for an account.
type CTraderCredentials struct {
	AccountID      string
	CTID           int64
	AccountNumber  string
	AccessTokenEnc string
	Environment    string
}

// ProtectionRecord mirrors broker-side SL/TP for an open position.
type ProtectionRecord struct {
	PositionID string
	AccountID  string
	Symbol     string
	StopLoss   float64
	TakeProfit float64
	UpdatedAt  time.Time
}

// SyncedDeal is one closed deal written by the trade-sync worker.
type SyncedDeal struct {
	AccountID string
	DealID    string
	Symbol    string
	Side      string
	Volume    float64
	Price     float64
	Profit    float64
	ClosedAt  time.Time
}
