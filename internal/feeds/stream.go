package feeds

import (
	"context"
	"fmt"
	"sync"

	"tradebridge/internal/events"
	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/connectors/mt5"
)

// Dispatcher republishes MT5 websocket pushes onto the fan-out bus, once per
// account. All stream feeds for an account share the client's single
// websocket loop; the dispatcher just fans its callbacks out as bus groups.
type Dispatcher struct {
	bus      *events.Bus
	sessions *mt5.Manager

	mu    sync.Mutex
	wired map[string]func() // accountID -> unwire
}

func NewDispatcher(bus *events.Bus, sessions *mt5.Manager) *Dispatcher {
	return &Dispatcher{bus: bus, sessions: sessions, wired: make(map[string]func())}
}

// EnsureAccount wires the account's websocket callbacks to the bus. Idempotent.
func (d *Dispatcher) EnsureAccount(accountID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.wired[accountID]; ok {
		return nil
	}

	client, ok := d.sessions.Get(accountID)
	if !ok {
		return fmt.Errorf("no live session for account %s", accountID)
	}

	offPrice := client.OnPrice(func(p common.PriceData) {
		d.bus.Publish(events.PricesGroup(accountID, p.Symbol), p)
	})
	offCandle := client.OnCandle(func(c common.CandleData) {
		d.bus.Publish(events.CandlesGroup(accountID, c.Symbol, c.Timeframe), c)
	})
	d.wired[accountID] = func() {
		offPrice()
		offCandle()
	}
	return nil
}

// DropAccount unwires the account's callbacks.
func (d *Dispatcher) DropAccount(accountID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off, ok := d.wired[accountID]; ok {
		off()
		delete(d.wired, accountID)
	}
}

// StreamFeed consumes bus groups filled by the shared websocket dispatcher.
type StreamFeed struct {
	dispatcher *Dispatcher
	bus        *events.Bus
	source     CandleSource
	accountID  string
	symbol     string
	timeframe  string

	events chan FeedEvent
	stop   context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewStream(dispatcher *Dispatcher, bus *events.Bus, source CandleSource, accountID, symbol, timeframe string) *StreamFeed {
	return &StreamFeed{
		dispatcher: dispatcher,
		bus:        bus,
		source:     source,
		accountID:  accountID,
		symbol:     symbol,
		timeframe:  timeframe,
		events:     make(chan FeedEvent, 128),
		done:       make(chan struct{}),
	}
}

func (f *StreamFeed) Events() <-chan FeedEvent { return f.events }

func (f *StreamFeed) Start(ctx context.Context) error {
	if err := f.dispatcher.EnsureAccount(f.accountID); err != nil {
		return err
	}

	prices, unsubPrices := f.bus.Subscribe(events.PricesGroup(f.accountID, f.symbol), 128)
	candles, unsubCandles := f.bus.Subscribe(events.CandlesGroup(f.accountID, f.symbol, f.timeframe), 128)

	ctx, f.stop = context.WithCancel(ctx)
	go func() {
		defer close(f.done)
		defer unsubPrices()
		defer unsubCandles()
		forwardBusEvents(ctx, prices, candles, f.events)
	}()
	return nil
}

func (f *StreamFeed) Stop() {
	f.once.Do(func() {
		if f.stop != nil {
			f.stop()
			<-f.done
		}
		close(f.events)
	})
}

func (f *StreamFeed) WarmupCandles(ctx context.Context, count int) ([]common.CandleData, error) {
	return f.source.GetHistoricalCandles(ctx, f.symbol, f.timeframe, count)
}

// forwardBusEvents converts raw bus payloads into FeedEvents until ctx ends.
func forwardBusEvents(ctx context.Context, prices, candles <-chan any, out chan<- FeedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-prices:
			if !ok {
				return
			}
			if tick, ok := v.(common.PriceData); ok {
				emitEvent(out, FeedEvent{Tick: &tick})
			}
		case v, ok := <-candles:
			if !ok {
				return
			}
			if candle, ok := v.(common.CandleData); ok {
				emitEvent(out, FeedEvent{Candle: &candle})
			}
		}
	}
}

func emitEvent(out chan<- FeedEvent, ev FeedEvent) {
	select {
	case out <- ev:
	default:
	}
}
