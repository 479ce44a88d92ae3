package tradesync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"tradebridge/pkg/db"
)

func setupWorker(t *testing.T, fetch FetchFunc) (*Worker, *db.Queries) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	queries := db.NewQueries(database)
	return NewWorker(fetch, queries, 10), queries
}

func TestEnqueueCoalesces(t *testing.T) {
	w, _ := setupWorker(t, nil)

	if !w.Enqueue("acc-1") {
		t.Fatal("first enqueue refused")
	}
	if w.Enqueue("acc-1") {
		t.Error("duplicate enqueue accepted while pending")
	}
	if !w.Enqueue("acc-2") {
		t.Error("unrelated account blocked")
	}
	if !w.Pending("acc-1") || !w.Pending("acc-2") {
		t.Error("pending state wrong")
	}
}

func TestSyncRewritesJournal(t *testing.T) {
	closed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	var fetches atomic.Int32
	fetch := func(ctx context.Context, accountID string) ([]db.SyncedDeal, error) {
		fetches.Add(1)
		return []db.SyncedDeal{
			{AccountID: accountID, DealID: "d1", Symbol: "EURUSD", Side: "BUY", Volume: 0.1, Price: 1.1, Profit: 5, ClosedAt: closed},
			{AccountID: accountID, DealID: "d2", Symbol: "EURUSD", Side: "SELL", Volume: 0.1, Price: 1.2, Profit: -2, ClosedAt: closed},
		}, nil
	}
	w, queries := setupWorker(t, fetch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue("acc-1")
	waitFor(t, func() bool { return !w.Pending("acc-1") })

	n, err := queries.CountSyncedDeals(ctx, "acc-1")
	if err != nil || n != 2 {
		t.Fatalf("deals = %d, %v", n, err)
	}

	// Second sync replaces rather than appends.
	w.Enqueue("acc-1")
	waitFor(t, func() bool { return !w.Pending("acc-1") })

	n, err = queries.CountSyncedDeals(ctx, "acc-1")
	if err != nil || n != 2 {
		t.Errorf("deals after resync = %d, %v", n, err)
	}
	if fetches.Load() != 2 {
		t.Errorf("fetches = %d, want 2", fetches.Load())
	}
}

func TestFetchFailureReleasesAccount(t *testing.T) {
	fetch := func(ctx context.Context, accountID string) ([]db.SyncedDeal, error) {
		return nil, context.DeadlineExceeded
	}
	w, _ := setupWorker(t, fetch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Enqueue("acc-1")
	waitFor(t, func() bool { return !w.Pending("acc-1") })

	// A failed sync must not wedge the account.
	if !w.Enqueue("acc-1") {
		t.Error("account stuck in-flight after failure")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
