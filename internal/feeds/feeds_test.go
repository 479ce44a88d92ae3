package feeds

import (
	"context"
	"sync"
	"testing"
	"time"

	"tradebridge/internal/events"
	"tradebridge/internal/headless"
	"tradebridge/pkg/connectors/common"
)

// fakeCandles serves a scripted sequence of candle snapshots.
type fakeCandles struct {
	mu    sync.Mutex
	calls int
	bars  [][]common.CandleData
}

func (f *fakeCandles) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, count int) ([]common.CandleData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.bars) {
		idx = len(f.bars) - 1
	}
	return f.bars[idx], nil
}

func bar(openUnix int64, closePx float64) common.CandleData {
	return common.CandleData{
		Symbol:    "EURUSD",
		Timeframe: "M1",
		OpenTime:  time.Unix(openUnix, 0).UTC(),
		Close:     closePx,
	}
}

func TestSelectMode(t *testing.T) {
	cases := []struct {
		mode, amqp, want string
	}{
		{"polling", "", ModePolling},
		{"", "", ModePolling},
		{"websocket", "", ModeWebsocket},
		{"broker", "amqp://localhost", ModeBroker},
		{"broker", "", ModePolling}, // no queue, degrade
		{"bogus", "", ModePolling},
	}
	for _, tc := range cases {
		if got := SelectMode(tc.mode, tc.amqp); got != tc.want {
			t.Errorf("SelectMode(%q, %q) = %q, want %q", tc.mode, tc.amqp, got, tc.want)
		}
	}
}

func TestPollingEmitsOnlyNewBars(t *testing.T) {
	src := &fakeCandles{bars: [][]common.CandleData{
		{bar(100, 1.0), bar(160, 1.1)},
		{bar(100, 1.0), bar(160, 1.1)}, // same snapshot: nothing new
		{bar(160, 1.1), bar(220, 1.2)}, // one new bar
	}}
	feed := NewPolling(src, "EURUSD", "M1", 10*time.Millisecond)

	if err := feed.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var candles []common.CandleData
	var ticks []common.PriceData
	deadline := time.After(2 * time.Second)
	for len(candles) < 3 {
		select {
		case ev := <-feed.Events():
			if ev.Candle != nil {
				candles = append(candles, *ev.Candle)
			}
			if ev.Tick != nil {
				ticks = append(ticks, *ev.Tick)
			}
		case <-deadline:
			t.Fatalf("timed out with %d candles", len(candles))
		}
	}
	feed.Stop()

	if candles[0].Close != 1.0 || candles[1].Close != 1.1 || candles[2].Close != 1.2 {
		t.Errorf("candles = %+v", candles)
	}
	if len(ticks) < 3 || ticks[2].Bid != 1.2 {
		t.Errorf("ticks = %+v", ticks)
	}
}

func TestPollingWarmup(t *testing.T) {
	src := &fakeCandles{bars: [][]common.CandleData{{bar(1, 1.0), bar(61, 1.1)}}}
	feed := NewPolling(src, "EURUSD", "M1", time.Minute)

	got, err := feed.WarmupCandles(context.Background(), 2)
	if err != nil || len(got) != 2 {
		t.Fatalf("warmup = %d bars, %v", len(got), err)
	}
	feed.Stop() // never started; must not hang
}

func TestBrokerFeedAcquiresAndReleasesRefs(t *testing.T) {
	bus := events.NewBus()
	orch := headless.New(bus, func(ctx context.Context, accountID string) (headless.Upstream, error) {
		return headless.NoopUpstream{}, nil
	})
	src := &fakeCandles{bars: [][]common.CandleData{{bar(1, 1.0)}}}

	feed := NewBroker(orch, src, "acc-1", "EURUSD", "M1")
	if err := feed.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if orch.PriceCount("acc-1", "EURUSD") != 1 {
		t.Error("price ref not acquired")
	}
	if orch.CandleCount("acc-1", "EURUSD", "M1") != 1 {
		t.Error("candle ref not acquired")
	}

	tick := common.PriceData{Symbol: "EURUSD", Bid: 1.5, Ask: 1.6, Timestamp: time.Now()}
	bus.Publish(events.PricesGroup("acc-1", "EURUSD"), tick)

	select {
	case ev := <-feed.Events():
		if ev.Tick == nil || ev.Tick.Bid != 1.5 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("bridge tick never surfaced")
	}

	feed.Stop()
	if orch.PriceCount("acc-1", "EURUSD") != 0 {
		t.Error("price ref not released on stop")
	}
	if orch.CandleCount("acc-1", "EURUSD", "M1") != 0 {
		t.Error("candle ref not released on stop")
	}
}
