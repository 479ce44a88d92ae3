// Package headless keeps gateway-side market data pollers alive for exactly
// as long as someone is listening. Subscriptions are ref-counted per
// (account, symbol) and (account, symbol, timeframe); the upstream gateway
// only hears about 0→1 and 1→0 transitions.
package headless

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"tradebridge/internal/events"
	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/logger"
)

var log = logger.WithComponent("headless")

// Upstream is what the orchestrator drives on count transitions. mt5.Client
// satisfies it; cTrader accounts use NoopUpstream because their data arrives
// over the event bridge.
type Upstream interface {
	StartHeadless(ctx context.Context) error
	SubscribePrice(ctx context.Context, symbol string) error
	UnsubscribePrice(ctx context.Context, symbol string) error
	SubscribeCandles(ctx context.Context, symbol, timeframe string) error
	UnsubscribeCandles(ctx context.Context, symbol, timeframe string) error
}

// UpstreamFunc resolves the upstream for an account on first use.
type UpstreamFunc func(ctx context.Context, accountID string) (Upstream, error)

type accountState struct {
	mu      sync.Mutex
	started bool
	prices  map[string]int
	candles map[string]int // keyed symbol|timeframe
}

// Orchestrator owns the ref-count state and bridges bus groups to typed
// channels for in-process consumers.
type Orchestrator struct {
	bus      *events.Bus
	upstream UpstreamFunc

	mu       sync.Mutex
	accounts map[string]*accountState
}

func New(bus *events.Bus, upstream UpstreamFunc) *Orchestrator {
	return &Orchestrator{
		bus:      bus,
		upstream: upstream,
		accounts: make(map[string]*accountState),
	}
}

// account returns the state for accountID, creating it lazily.
func (o *Orchestrator) account(accountID string) *accountState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.accounts[accountID]
	if !ok {
		st = &accountState{
			prices:  make(map[string]int),
			candles: make(map[string]int),
		}
		o.accounts[accountID] = st
	}
	return st
}

func candleKey(symbol, timeframe string) string { return symbol + "|" + timeframe }

// statusOf unwraps a gateway status code when the error carries one.
func statusOf(err error) int {
	var se interface{ HTTPStatus() int }
	if errors.As(err, &se) {
		return se.HTTPStatus()
	}
	return 0
}

// ensureStarted starts the gateway poller once per account lifetime.
func (o *Orchestrator) ensureStarted(ctx context.Context, st *accountState, up Upstream) error {
	if st.started {
		return nil
	}
	if err := up.StartHeadless(ctx); err != nil && statusOf(err) != http.StatusConflict {
		return err
	}
	st.started = true
	return nil
}

// AcquirePrice increments the price ref count and, on 0→1, subscribes
// upstream. A 409 from the gateway means the stream already exists and
// counts as success.
func (o *Orchestrator) AcquirePrice(ctx context.Context, accountID, symbol string) error {
	st := o.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.prices[symbol] > 0 {
		st.prices[symbol]++
		return nil
	}

	up, err := o.upstream(ctx, accountID)
	if err != nil {
		return err
	}
	if err := o.ensureStarted(ctx, st, up); err != nil {
		return err
	}
	if err := up.SubscribePrice(ctx, symbol); err != nil && statusOf(err) != http.StatusConflict {
		return err
	}
	st.prices[symbol] = 1
	log.WithFields(logger.Fields{"account": accountID, "symbol": symbol}).
		Debug("price stream opened")
	return nil
}

// ReleasePrice decrements the price ref count and, on 1→0, unsubscribes
// upstream. A 404 means the stream is already gone and counts as success.
// Releasing at zero is a no-op.
func (o *Orchestrator) ReleasePrice(ctx context.Context, accountID, symbol string) {
	st := o.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	n := st.prices[symbol]
	if n <= 0 {
		return
	}
	if n > 1 {
		st.prices[symbol] = n - 1
		return
	}
	delete(st.prices, symbol)

	up, err := o.upstream(ctx, accountID)
	if err != nil {
		log.WithError(err).WithField("account", accountID).Warn("release: no upstream")
		return
	}
	if err := up.UnsubscribePrice(ctx, symbol); err != nil && statusOf(err) != http.StatusNotFound {
		log.WithError(err).WithFields(logger.Fields{"account": accountID, "symbol": symbol}).
			Warn("price unsubscribe failed")
	}
}

// AcquireCandles mirrors AcquirePrice for (symbol, timeframe) bars.
func (o *Orchestrator) AcquireCandles(ctx context.Context, accountID, symbol, timeframe string) error {
	st := o.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	key := candleKey(symbol, timeframe)
	if st.candles[key] > 0 {
		st.candles[key]++
		return nil
	}

	up, err := o.upstream(ctx, accountID)
	if err != nil {
		return err
	}
	if err := o.ensureStarted(ctx, st, up); err != nil {
		return err
	}
	if err := up.SubscribeCandles(ctx, symbol, timeframe); err != nil && statusOf(err) != http.StatusConflict {
		return err
	}
	st.candles[key] = 1
	return nil
}

// ReleaseCandles mirrors ReleasePrice for bars.
func (o *Orchestrator) ReleaseCandles(ctx context.Context, accountID, symbol, timeframe string) {
	st := o.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	key := candleKey(symbol, timeframe)
	n := st.candles[key]
	if n <= 0 {
		return
	}
	if n > 1 {
		st.candles[key] = n - 1
		return
	}
	delete(st.candles, key)

	up, err := o.upstream(ctx, accountID)
	if err != nil {
		log.WithError(err).WithField("account", accountID).Warn("release: no upstream")
		return
	}
	if err := up.UnsubscribeCandles(ctx, symbol, timeframe); err != nil && statusOf(err) != http.StatusNotFound {
		log.WithError(err).WithFields(logger.Fields{"account": accountID, "symbol": symbol}).
			Warn("candle unsubscribe failed")
	}
}

// PriceCount reports the current ref count, mainly for diagnostics.
func (o *Orchestrator) PriceCount(accountID, symbol string) int {
	st := o.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.prices[symbol]
}

// CandleCount reports the current ref count for (symbol, timeframe).
func (o *Orchestrator) CandleCount(accountID, symbol, timeframe string) int {
	st := o.account(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.candles[candleKey(symbol, timeframe)]
}

// Price acquires a ref and returns a typed channel fed from the fan-out bus.
// The stop func is idempotent; it releases the ref and detaches from the bus.
func (o *Orchestrator) Price(ctx context.Context, accountID, symbol string) (<-chan common.PriceData, func(), error) {
	if err := o.AcquirePrice(ctx, accountID, symbol); err != nil {
		return nil, nil, err
	}

	raw, unsub := o.bus.Subscribe(events.PricesGroup(accountID, symbol), 64)
	out := make(chan common.PriceData, 64)
	go pump(raw, out)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsub()
			o.ReleasePrice(context.Background(), accountID, symbol)
		})
	}
	return out, stop, nil
}

// Candles acquires a ref and returns a typed bar channel.
func (o *Orchestrator) Candles(ctx context.Context, accountID, symbol, timeframe string) (<-chan common.CandleData, func(), error) {
	if err := o.AcquireCandles(ctx, accountID, symbol, timeframe); err != nil {
		return nil, nil, err
	}

	raw, unsub := o.bus.Subscribe(events.CandlesGroup(accountID, symbol, timeframe), 64)
	out := make(chan common.CandleData, 64)
	go pump(raw, out)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsub()
			o.ReleaseCandles(context.Background(), accountID, symbol, timeframe)
		})
	}
	return out, stop, nil
}

// pump forwards typed payloads from the bus channel until it closes.
func pump[T any](raw <-chan any, out chan<- T) {
	defer close(out)
	for v := range raw {
		if typed, ok := v.(T); ok {
			select {
			case out <- typed:
			default:
			}
		}
	}
}
