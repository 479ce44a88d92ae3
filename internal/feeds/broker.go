package feeds

import (
	"context"
	"sync"

	"tradebridge/internal/headless"
	"tradebridge/pkg/connectors/common"
)

// BrokerFeed rides the message-queue bridge: the bridge fills the bus groups
// and this feed drains them. Starting it acquires headless refs so the
// gateway-side poller produces data even with no UI connected; stopping
// releases them.
type BrokerFeed struct {
	orchestrator *headless.Orchestrator
	source       CandleSource
	accountID    string
	symbol       string
	timeframe    string

	events chan FeedEvent
	stop   context.CancelFunc
	done   chan struct{}
	once   sync.Once

	releasePrice   func()
	releaseCandles func()
}

func NewBroker(orchestrator *headless.Orchestrator, source CandleSource, accountID, symbol, timeframe string) *BrokerFeed {
	return &BrokerFeed{
		orchestrator: orchestrator,
		source:       source,
		accountID:    accountID,
		symbol:       symbol,
		timeframe:    timeframe,
		events:       make(chan FeedEvent, 128),
		done:         make(chan struct{}),
	}
}

func (f *BrokerFeed) Events() <-chan FeedEvent { return f.events }

func (f *BrokerFeed) Start(ctx context.Context) error {
	prices, stopPrices, err := f.orchestrator.Price(ctx, f.accountID, f.symbol)
	if err != nil {
		return err
	}
	candles, stopCandles, err := f.orchestrator.Candles(ctx, f.accountID, f.symbol, f.timeframe)
	if err != nil {
		stopPrices()
		return err
	}
	f.releasePrice = stopPrices
	f.releaseCandles = stopCandles

	ctx, f.stop = context.WithCancel(ctx)
	go func() {
		defer close(f.done)
		forwardTyped(ctx, prices, candles, f.events)
	}()
	return nil
}

func (f *BrokerFeed) Stop() {
	f.once.Do(func() {
		if f.stop != nil {
			f.stop()
			<-f.done
		}
		if f.releasePrice != nil {
			f.releasePrice()
		}
		if f.releaseCandles != nil {
			f.releaseCandles()
		}
		close(f.events)
	})
}

func (f *BrokerFeed) WarmupCandles(ctx context.Context, count int) ([]common.CandleData, error) {
	return f.source.GetHistoricalCandles(ctx, f.symbol, f.timeframe, count)
}

// forwardTyped mirrors forwardBusEvents for the orchestrator's typed channels.
func forwardTyped(ctx context.Context, prices <-chan common.PriceData, candles <-chan common.CandleData, out chan<- FeedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-prices:
			if !ok {
				return
			}
			t := tick
			emitEvent(out, FeedEvent{Tick: &t})
		case candle, ok := <-candles:
			if !ok {
				return
			}
			c := candle
			emitEvent(out, FeedEvent{Candle: &c})
		}
	}
}
