package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"tradebridge/internal/events"
	"tradebridge/pkg/cache"
	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/db"
)

const accUUID = "a3a5c5a0-9d7e-4f3b-8a2e-1c2d3e4f5a6b"

type fakeAck struct {
	mu       sync.Mutex
	acks     int
	nacks    int
	requeued bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks++
	f.requeued = requeue
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error { return f.Nack(tag, false, requeue) }

type fakeSyncer struct {
	mu       sync.Mutex
	enqueued []string
}

func (f *fakeSyncer) Enqueue(accountID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, accountID)
	return true
}

func setupBridge(t *testing.T) (*Bridge, *events.Bus, *fakeSyncer, *testStore) {
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

	mem := cache.NewMemory()
	t.Cleanup(mem.Close)

	bus := events.NewBus()
	syncer := &fakeSyncer{}
	resolver := NewResolver(queries, mem, time.Hour)
	b := New(resolver, mem, time.Hour, bus, syncer)
	return b, bus, syncer, &testStore{Queries: queries, database: database}
}

type testStore struct {
	*db.Queries
	database *db.Database
}

func delivery(t *testing.T, ack amqp.Acknowledger, key string, env any) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Acknowledger: ack, RoutingKey: key, Body: body}
}

func TestDuplicateEventDropped(t *testing.T) {
	b, bus, _, _ := setupBridge(t)
	ch, unsub := bus.Subscribe(events.AccountGroup(accUUID), 8)
	defer unsub()

	ack := &fakeAck{}
	env := map[string]any{
		"event_id":   "evt-1",
		"type":       "account.info",
		"account_id": accUUID,
		"payload":    map[string]any{"balance": 100},
	}
	b.Handle(context.Background(), delivery(t, ack, "account.info", env))
	b.Handle(context.Background(), delivery(t, ack, "account.info", env))

	if ack.acks != 2 {
		t.Errorf("acks = %d, want 2 (duplicate still acked)", ack.acks)
	}
	if n := len(ch); n != 1 {
		t.Errorf("published messages = %d, want 1", n)
	}
}

func TestFallbackEventIDDeterministic(t *testing.T) {
	a := Envelope{Type: "price.tick", BrokerLogin: 5, OccurredAt: "2026-08-29T10:00:00Z"}
	b := Envelope{Type: "price.tick", BrokerLogin: 5, OccurredAt: "2026-08-29T10:00:00Z"}
	if a.ID() != b.ID() {
		t.Error("fallback ids differ for identical events")
	}
	c := Envelope{Type: "price.tick", BrokerLogin: 6, OccurredAt: "2026-08-29T10:00:00Z"}
	if a.ID() == c.ID() {
		t.Error("fallback ids collide across logins")
	}
	d := Envelope{EventID: "explicit", Type: "price.tick"}
	if d.ID() != "explicit" {
		t.Error("explicit id not preferred")
	}
}

func TestUnresolvableAccountAckedAndDropped(t *testing.T) {
	b, bus, syncer, _ := setupBridge(t)
	ch, unsub := bus.Subscribe(events.AccountGroup(accUUID), 8)
	defer unsub()

	ack := &fakeAck{}
	b.Handle(context.Background(), delivery(t, ack, "position.closed", map[string]any{
		"event_id":     "evt-x",
		"type":         "position.closed",
		"broker_login": 99999,
		"payload":      map[string]any{},
	}))

	if ack.acks != 1 || ack.nacks != 0 {
		t.Errorf("acks=%d nacks=%d, want ack+drop", ack.acks, ack.nacks)
	}
	if len(ch) != 0 {
		t.Error("unresolvable event reached the bus")
	}
	if len(syncer.enqueued) != 0 {
		t.Error("unresolvable event reached the syncer")
	}
}

func TestMalformedBodyAcked(t *testing.T) {
	b, _, _, _ := setupBridge(t)
	ack := &fakeAck{}
	b.Handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")})
	if ack.acks != 1 {
		t.Errorf("malformed body not acked (acks=%d)", ack.acks)
	}
}

func TestResolutionByLoginUsesCache(t *testing.T) {
	b, _, _, queries := setupBridge(t)
	ctx := context.Background()
	if err := queries.CreateAccount(ctx, db.Account{ID: accUUID, Platform: "MT5", IsActive: true}); err != nil {
		t.Fatal(err)
	}
	if err := queries.CreateMT5Credentials(ctx, db.MT5Credentials{
		AccountID: accUUID, Login: 777, Server: "Demo", PasswordEnc: "enc:v1:x",
	}); err != nil {
		t.Fatal(err)
	}

	env := &Envelope{Type: "account.info", BrokerLogin: 777}
	id, err := b.resolver.Resolve(ctx, env)
	if err != nil || id != accUUID {
		t.Fatalf("resolve = %q, %v", id, err)
	}

	// Second resolution must be served from cache: drop the row and retry.
	if _, err := queries.database.DB.ExecContext(ctx, "DELETE FROM mt5_accounts"); err != nil {
		t.Fatal(err)
	}
	id, err = b.resolver.Resolve(ctx, env)
	if err != nil || id != accUUID {
		t.Errorf("cached resolve = %q, %v", id, err)
	}
}

func TestPositionClosedEnqueuesSync(t *testing.T) {
	b, bus, syncer, _ := setupBridge(t)
	ch, unsub := bus.Subscribe(events.AccountGroup(accUUID), 8)
	defer unsub()

	ack := &fakeAck{}
	b.Handle(context.Background(), delivery(t, ack, "position.closed", map[string]any{
		"event_id":   "evt-pc",
		"type":       "position_closed", // alias form
		"account_id": accUUID,
		"payload":    map[string]any{"position_id": "13"},
	}))

	if len(syncer.enqueued) != 1 || syncer.enqueued[0] != accUUID {
		t.Errorf("syncer enqueued = %v", syncer.enqueued)
	}
	select {
	case v := <-ch:
		msg := v.(events.Message)
		if msg.Type != "position.closed" {
			t.Errorf("alias not canonicalized: %s", msg.Type)
		}
	default:
		t.Error("account group never saw the event")
	}
}

func TestPriceTickRoutedToPricesGroup(t *testing.T) {
	b, bus, _, _ := setupBridge(t)
	ch, unsub := bus.Subscribe(events.PricesGroup(accUUID, "EURUSD"), 8)
	defer unsub()
	other, unsubOther := bus.Subscribe(events.PricesGroup(accUUID, "GBPUSD"), 8)
	defer unsubOther()

	ack := &fakeAck{}
	b.Handle(context.Background(), delivery(t, ack, "price.tick", map[string]any{
		"event_id":   "evt-p1",
		"type":       "price", // alias form
		"account_id": accUUID,
		"payload":    map[string]any{"symbol": "EURUSD", "bid": 1.1, "ask": 1.2},
	}))

	select {
	case v := <-ch:
		tick := v.(common.PriceData)
		if tick.Symbol != "EURUSD" || tick.Bid != 1.1 {
			t.Errorf("tick = %+v", tick)
		}
	default:
		t.Fatal("tick never reached its group")
	}
	if len(other) != 0 {
		t.Error("tick leaked into another symbol group")
	}
}

func TestCandleRoutedToTimeframeGroup(t *testing.T) {
	b, bus, _, _ := setupBridge(t)
	ch, unsub := bus.Subscribe(events.CandlesGroup(accUUID, "EURUSD", "M5"), 8)
	defer unsub()

	ack := &fakeAck{}
	b.Handle(context.Background(), delivery(t, ack, "candle.update", map[string]any{
		"event_id":   "evt-c1",
		"type":       "candle.update",
		"account_id": accUUID,
		"payload": map[string]any{
			"symbol": "EURUSD", "timeframe": "M5", "time": 1700000000,
			"open": 1.0, "high": 1.2, "low": 0.9, "close": 1.1, "tick_volume": 42,
		},
	}))

	select {
	case v := <-ch:
		candle := v.(common.CandleData)
		if candle.Close != 1.1 || candle.Timeframe != "M5" {
			t.Errorf("candle = %+v", candle)
		}
	default:
		t.Fatal("candle never reached its group")
	}
}
