package feeds

import (
	"context"
	"sync"
	"time"

	"tradebridge/pkg/connectors/common"
)

// PollingFeed snapshots recent candles over REST on a fixed interval. Only
// bars newer than the last seen open time are emitted, and each fresh bar
// also yields a synthetic tick from its close so tick-driven strategies keep
// working without a streaming transport.
type PollingFeed struct {
	source    CandleSource
	symbol    string
	timeframe string
	interval  time.Duration

	events chan FeedEvent
	stop   context.CancelFunc
	done   chan struct{}
	once   sync.Once

	lastOpen time.Time
}

func NewPolling(source CandleSource, symbol, timeframe string, interval time.Duration) *PollingFeed {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollingFeed{
		source:    source,
		symbol:    symbol,
		timeframe: timeframe,
		interval:  interval,
		events:    make(chan FeedEvent, 128),
		done:      make(chan struct{}),
	}
}

func (f *PollingFeed) Events() <-chan FeedEvent { return f.events }

func (f *PollingFeed) Start(ctx context.Context) error {
	ctx, f.stop = context.WithCancel(ctx)
	go f.loop(ctx)
	return nil
}

func (f *PollingFeed) Stop() {
	f.once.Do(func() {
		if f.stop != nil {
			f.stop()
			<-f.done
		}
		close(f.events)
	})
}

func (f *PollingFeed) WarmupCandles(ctx context.Context, count int) ([]common.CandleData, error) {
	return f.source.GetHistoricalCandles(ctx, f.symbol, f.timeframe, count)
}

// syntheticTick derives a tick from a bar close for strategies that want
// price updates between real quotes.
func syntheticTick(c common.CandleData) common.PriceData {
	return common.PriceData{
		Symbol:    c.Symbol,
		Bid:       c.Close,
		Ask:       c.Close,
		Timestamp: c.OpenTime,
	}
}

func (f *PollingFeed) loop(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.poll(ctx)
		}
	}
}

func (f *PollingFeed) poll(ctx context.Context) {
	candles, err := f.source.GetHistoricalCandles(ctx, f.symbol, f.timeframe, 2)
	if err != nil {
		log.WithError(err).WithField("symbol", f.symbol).Debug("candle poll failed")
		return
	}

	for i := range candles {
		c := candles[i]
		if !c.OpenTime.After(f.lastOpen) {
			continue
		}
		f.lastOpen = c.OpenTime
		f.emit(FeedEvent{Candle: &c})
		tick := syntheticTick(c)
		f.emit(FeedEvent{Tick: &tick})
	}
}

func (f *PollingFeed) emit(ev FeedEvent) {
	select {
	case f.events <- ev:
	default:
		// consumer stalled; favor freshness over completeness
	}
}
