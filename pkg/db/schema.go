package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    platform TEXT NOT NULL,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS mt5_accounts (
    account_id TEXT PRIMARY KEY,
    login INTEGER NOT NULL,
    server TEXT NOT NULL,
    password_enc TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);
CREATE INDEX IF NOT EXISTS idx_mt5_accounts_login ON mt5_accounts(login);

CREATE TABLE IF NOT EXISTS ctrader_accounts (
    account_id TEXT PRIMARY KEY,
    ctid INTEGER NOT NULL,
    account_number TEXT NOT NULL,
    access_token_enc TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);
CREATE INDEX IF NOT EXISTS idx_ctrader_accounts_ctid ON ctrader_accounts(ctid);
CREATE INDEX IF NOT EXISTS idx_ctrader_accounts_number ON ctrader_accounts(account_number);

CREATE TABLE IF NOT EXISTS position_protection (
    position_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    stop_loss REAL,
    take_profit REAL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS sync_journal (
    account_id TEXT NOT NULL,
    deal_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    volume REAL NOT NULL,
    price REAL NOT NULL,
    profit REAL DEFAULT 0,
    closed_at DATETIME,
    PRIMARY KEY(account_id, deal_id),
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);
`

// ApplyMigrations creates the schema and applies incremental column additions.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Added after initial release; older databases lack these columns.
	if err := ensureColumn(d.DB, "ctrader_accounts", "environment", "TEXT DEFAULT 'live'"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "mt5_accounts", "broker_name", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
