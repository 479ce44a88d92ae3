package db

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	return NewQueries(database)
}

func seedAccounts(t *testing.T, q *Queries) {
	t.Helper()
	ctx := context.Background()
	if err := q.CreateAccount(ctx, Account{ID: "acc-mt5", Name: "demo mt5", Platform: "MT5", IsActive: true}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := q.CreateAccount(ctx, Account{ID: "acc-ct", Name: "demo ctrader", Platform: "cTrader", IsActive: true}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if err := q.CreateMT5Credentials(ctx, MT5Credentials{
		AccountID: "acc-mt5", Login: 5001001, Server: "Demo-Server", PasswordEnc: "enc:v1:xx",
	}); err != nil {
		t.Fatalf("CreateMT5Credentials: %v", err)
	}
	if err := q.CreateCTraderCredentials(ctx, CTraderCredentials{
		AccountID: "acc-ct", CTID: 77001, AccountNumber: "CT-9001", AccessTokenEnc: "enc:v1:yy",
	}); err != nil {
		t.Fatalf("CreateCTraderCredentials: %v", err)
	}
}

func TestResolveByExternalIdentifiers(t *testing.T) {
	q := newTestDB(t)
	seedAccounts(t, q)
	ctx := context.Background()

	id, err := q.ResolveByMT5Login(ctx, 5001001)
	if err != nil || id != "acc-mt5" {
		t.Fatalf("ResolveByMT5Login = %q %v", id, err)
	}
	id, err = q.ResolveByCTID(ctx, 77001)
	if err != nil || id != "acc-ct" {
		t.Fatalf("ResolveByCTID = %q %v", id, err)
	}
	id, err = q.ResolveByAccountNumber(ctx, "CT-9001")
	if err != nil || id != "acc-ct" {
		t.Fatalf("ResolveByAccountNumber = %q %v", id, err)
	}

	if _, err := q.ResolveByMT5Login(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown login: err = %v, want ErrNotFound", err)
	}
}

func TestGetCredentials(t *testing.T) {
	q := newTestDB(t)
	seedAccounts(t, q)
	ctx := context.Background()

	mt5, err := q.GetMT5Credentials(ctx, "acc-mt5")
	if err != nil {
		t.Fatalf("GetMT5Credentials: %v", err)
	}
	if mt5.Login != 5001001 || mt5.Server != "Demo-Server" {
		t.Fatalf("unexpected mt5 creds: %+v", mt5)
	}

	ct, err := q.GetCTraderCredentials(ctx, "acc-ct")
	if err != nil {
		t.Fatalf("GetCTraderCredentials: %v", err)
	}
	if ct.CTID != 77001 || ct.Environment != "live" {
		t.Fatalf("unexpected ctrader creds: %+v", ct)
	}
}

func TestUpdateProtectionBeforeInsert(t *testing.T) {
	q := newTestDB(t)
	seedAccounts(t, q)
	ctx := context.Background()

	// The amender can run before the caller persisted the position row.
	err := q.UpdateProtection(ctx, "pos-1", 1.09, 1.12)
	if !errors.Is(err, ErrPositionUnknown) {
		t.Fatalf("UpdateProtection on missing row: %v, want ErrPositionUnknown", err)
	}

	if err := q.InsertProtection(ctx, ProtectionRecord{
		PositionID: "pos-1", AccountID: "acc-ct", Symbol: "EURUSD",
	}); err != nil {
		t.Fatalf("InsertProtection: %v", err)
	}
	if err := q.UpdateProtection(ctx, "pos-1", 1.09, 1.12); err != nil {
		t.Fatalf("UpdateProtection after insert: %v", err)
	}

	p, err := q.GetProtection(ctx, "pos-1")
	if err != nil {
		t.Fatalf("GetProtection: %v", err)
	}
	if p.StopLoss != 1.09 || p.TakeProfit != 1.12 {
		t.Fatalf("protection not applied: %+v", p)
	}
}

func TestReplaceSyncJournalIdempotent(t *testing.T) {
	q := newTestDB(t)
	seedAccounts(t, q)
	ctx := context.Background()

	deals := []SyncedDeal{
		{AccountID: "acc-mt5", DealID: "d-1", Symbol: "EURUSD", Side: "BUY", Volume: 0.1, Price: 1.1, Profit: 12.5, ClosedAt: time.Now()},
		{AccountID: "acc-mt5", DealID: "d-2", Symbol: "GBPUSD", Side: "SELL", Volume: 0.2, Price: 1.3, Profit: -3.0, ClosedAt: time.Now()},
	}
	for i := 0; i < 2; i++ {
		if err := q.ReplaceSyncJournal(ctx, "acc-mt5", deals); err != nil {
			t.Fatalf("ReplaceSyncJournal run %d: %v", i, err)
		}
	}
	n, err := q.CountSyncedDeals(ctx, "acc-mt5")
	if err != nil || n != 2 {
		t.Fatalf("CountSyncedDeals = %d %v, want 2", n, err)
	}
}
