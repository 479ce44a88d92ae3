// Package tradesync reconciles the local deal journal with broker truth.
// Sync requests are coalesced per account: an account already queued or
// mid-sync is not queued again, so a burst of position.closed events costs
// one gateway round-trip.
package tradesync

import (
	"context"
	"sync"
	"time"

	"tradebridge/pkg/db"
	"tradebridge/pkg/logger"
)

var log = logger.WithComponent("tradesync")

// FetchFunc pulls the account's closed deals from its gateway.
type FetchFunc func(ctx context.Context, accountID string) ([]db.SyncedDeal, error)

// Worker drains a queue of account ids and rewrites each account's sync
// journal from the gateway snapshot. The rewrite is idempotent: no deltas,
// broker truth replaces local state wholesale.
type Worker struct {
	fetch   FetchFunc
	queries *db.Queries

	mu       sync.Mutex
	inFlight map[string]bool

	ch chan string
}

func NewWorker(fetch FetchFunc, queries *db.Queries, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Worker{
		fetch:    fetch,
		queries:  queries,
		inFlight: make(map[string]bool),
		ch:       make(chan string, queueSize),
	}
}

// Enqueue requests a sync for accountID. Returns false when the account is
// already queued or syncing, or the queue is full.
func (w *Worker) Enqueue(accountID string) bool {
	w.mu.Lock()
	if w.inFlight[accountID] {
		w.mu.Unlock()
		return false
	}
	w.inFlight[accountID] = true
	w.mu.Unlock()

	select {
	case w.ch <- accountID:
		return true
	default:
		w.mu.Lock()
		delete(w.inFlight, accountID)
		w.mu.Unlock()
		log.WithField("account", accountID).Warn("sync queue full, request dropped")
		return false
	}
}

// Pending reports whether accountID is queued or currently syncing.
func (w *Worker) Pending(accountID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight[accountID]
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case accountID, ok := <-w.ch:
			if !ok {
				return
			}
			w.syncOne(ctx, accountID)
		}
	}
}

func (w *Worker) syncOne(ctx context.Context, accountID string) {
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, accountID)
		w.mu.Unlock()
	}()

	start := time.Now()
	deals, err := w.fetch(ctx, accountID)
	if err != nil {
		log.WithError(err).WithField("account", accountID).Warn("deal fetch failed")
		return
	}
	if err := w.queries.ReplaceSyncJournal(ctx, accountID, deals); err != nil {
		log.WithError(err).WithField("account", accountID).Warn("journal rewrite failed")
		return
	}
	log.WithFields(logger.Fields{
		"account": accountID,
		"deals":   len(deals),
		"took":    time.Since(start).Round(time.Millisecond).String(),
	}).Info("trade journal synced")
}
