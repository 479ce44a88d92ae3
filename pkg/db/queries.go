// Package db stores accounts, broker credentials and the connector layer's
// local mirrors (position protection, synced deals) in SQLite.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrPositionUnknown   = errors.New("position not recorded yet")
	ErrAccountIDRequired = errors.New("account_id is required")
)

// Queries provides account and credential lookups.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance over the shared handle.
func NewQueries(d *Database) *Queries {
	return &Queries{db: d.DB}
}

// ----------------------------------------
// Accounts
// ----------------------------------------

// GetAccount returns the account row for id.
func (q *Queries) GetAccount(ctx context.Context, id string) (*Account, error) {
	if id == "" {
		return nil, ErrAccountIDRequired
	}
	var a Account
	err := q.db.QueryRowContext(ctx, `
		SELECT id, name, platform, is_active, created_at, updated_at
		FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.Name, &a.Platform, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// CreateAccount inserts an account row.
func (q *Queries) CreateAccount(ctx context.Context, a Account) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, platform, is_active) VALUES (?, ?, ?, ?)
	`, a.ID, a.Name, a.Platform, a.IsActive)
	return err
}

// ----------------------------------------
// Credentials
// ----------------------------------------

// GetMT5Credentials returns the MT5 credential row for an account.
func (q *Queries) GetMT5Credentials(ctx context.Context, accountID string) (*MT5Credentials, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	var c MT5Credentials
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, login, server, password_enc, COALESCE(broker_name, '')
		FROM mt5_accounts WHERE account_id = ?
	`, accountID).Scan(&c.AccountID, &c.Login, &c.Server, &c.PasswordEnc, &c.BrokerName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query mt5 credentials: %w", err)
	}
	return &c, nil
}

// GetCTraderCredentials returns the cTrader credential row for an account.
func (q *Queries) GetCTraderCredentials(ctx context.Context, accountID string) (*CTraderCredentials, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	var c CTraderCredentials
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, ctid, account_number, access_token_enc, COALESCE(environment, 'live')
		FROM ctrader_accounts WHERE account_id = ?
	`, accountID).Scan(&c.AccountID, &c.CTID, &c.AccountNumber, &c.AccessTokenEnc, &c.Environment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ctrader credentials: %w", err)
	}
	return &c, nil
}

// CreateMT5Credentials inserts an MT5 credential row.
func (q *Queries) CreateMT5Credentials(ctx context.Context, c MT5Credentials) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO mt5_accounts (account_id, login, server, password_enc, broker_name)
		VALUES (?, ?, ?, ?, ?)
	`, c.AccountID, c.Login, c.Server, c.PasswordEnc, c.BrokerName)
	return err
}

// CreateCTraderCredentials inserts a cTrader credential row.
func (q *Queries) CreateCTraderCredentials(ctx context.Context, c CTraderCredentials) error {
	env := c.Environment
	if env == "" {
		env = "live"
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ctrader_accounts (account_id, ctid, account_number, access_token_enc, environment)
		VALUES (?, ?, ?, ?, ?)
	`, c.AccountID, c.CTID, c.AccountNumber, c.AccessTokenEnc, env)
	return err
}

// ----------------------------------------
// Account resolution by external identifier
// ----------------------------------------

// ResolveByMT5Login maps a broker login number to the internal account id.
func (q *Queries) ResolveByMT5Login(ctx context.Context, login int64) (string, error) {
	var id string
	err := q.db.QueryRowContext(ctx, `
		SELECT a.id FROM accounts a
		JOIN mt5_accounts m ON m.account_id = a.id
		WHERE m.login = ? AND a.is_active = 1
	`, login).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve mt5 login: %w", err)
	}
	return id, nil
}

// ResolveByCTID maps a cTrader CTID to the internal account id.
func (q *Queries) ResolveByCTID(ctx context.Context, ctid int64) (string, error) {
	var id string
	err := q.db.QueryRowContext(ctx, `
		SELECT a.id FROM accounts a
		JOIN ctrader_accounts c ON c.account_id = a.id
		WHERE c.ctid = ? AND a.is_active = 1
	`, ctid).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve ctid: %w", err)
	}
	return id, nil
}

// ResolveByAccountNumber maps a cTrader account-number string to the internal
// account id.
func (q *Queries) ResolveByAccountNumber(ctx context.Context, number string) (string, error) {
	var id string
	err := q.db.QueryRowContext(ctx, `
		SELECT a.id FROM accounts a
		JOIN ctrader_accounts c ON c.account_id = a.id
		WHERE c.account_number = ? AND a.is_active = 1
	`, number).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve account number: %w", err)
	}
	return id, nil
}

// ----------------------------------------
// Position protection mirror
// ----------------------------------------

// InsertProtection records a position's protection row. The row is created by
// the caller's own persistence step; UpdateProtection is what the background
// amender retries against.
func (q *Queries) InsertProtection(ctx context.Context, p ProtectionRecord) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO position_protection (position_id, account_id, symbol, stop_loss, take_profit)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(position_id) DO UPDATE SET
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			updated_at = CURRENT_TIMESTAMP
	`, p.PositionID, p.AccountID, p.Symbol, p.StopLoss, p.TakeProfit)
	return err
}

// UpdateProtection updates SL/TP for an existing position row. Returns
// ErrPositionUnknown when the row does not exist yet so callers can retry.
func (q *Queries) UpdateProtection(ctx context.Context, positionID string, stopLoss, takeProfit float64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE position_protection
		SET stop_loss = ?, take_profit = ?, updated_at = CURRENT_TIMESTAMP
		WHERE position_id = ?
	`, stopLoss, takeProfit, positionID)
	if err != nil {
		return fmt.Errorf("update protection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPositionUnknown
	}
	return nil
}

// GetProtection returns the protection row for a position.
func (q *Queries) GetProtection(ctx context.Context, positionID string) (*ProtectionRecord, error) {
	var p ProtectionRecord
	err := q.db.QueryRowContext(ctx, `
		SELECT position_id, account_id, symbol, COALESCE(stop_loss, 0), COALESCE(take_profit, 0), updated_at
		FROM position_protection WHERE position_id = ?
	`, positionID).Scan(&p.PositionID, &p.AccountID, &p.Symbol, &p.StopLoss, &p.TakeProfit, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ----------------------------------------
// Sync journal
// ----------------------------------------

// ReplaceSyncJournal rewrites the closed-deal journal for an account from
// broker truth. The operation is idempotent: running it twice with the same
// deals leaves the same rows.
func (q *Queries) ReplaceSyncJournal(ctx context.Context, accountID string, deals []SyncedDeal) error {
	if accountID == "" {
		return ErrAccountIDRequired
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_journal WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("clear sync journal: %w", err)
	}
	for _, d := range deals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_journal (account_id, deal_id, symbol, side, volume, price, profit, closed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, accountID, d.DealID, d.Symbol, d.Side, d.Volume, d.Price, d.Profit, d.ClosedAt); err != nil {
			return fmt.Errorf("insert synced deal: %w", err)
		}
	}
	return tx.Commit()
}

// CountSyncedDeals returns the journal size for an account.
func (q *Queries) CountSyncedDeals(ctx context.Context, accountID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_journal WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}
