package monitor

import (
	"testing"
	"time"

	"tradebridge/internal/registry"
)

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(100)
	for i := 1; i <= 10; i++ {
		h.Record(float64(i * 10))
	}

	stats := h.Stats()
	if stats.Count != 10 {
		t.Fatalf("Count = %d, want 10", stats.Count)
	}
	if stats.Min != 10 || stats.Max != 100 {
		t.Errorf("Min/Max = %v/%v, want 10/100", stats.Min, stats.Max)
	}
	if stats.Avg != 55 {
		t.Errorf("Avg = %v, want 55", stats.Avg)
	}
	if stats.P50 != 60 {
		t.Errorf("P50 = %v, want 60", stats.P50)
	}

	// Cached until the next record.
	if again := h.Stats(); again != stats {
		t.Error("repeated Stats() should return the cached value")
	}
	h.Record(200)
	if h.Stats().Max != 200 {
		t.Error("cache not invalidated by Record")
	}
}

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(5)
	for i := 0; i < 20; i++ {
		h.Record(float64(i))
	}
	stats := h.Stats()
	if stats.Count != 5 {
		t.Fatalf("Count = %d, want window size 5", stats.Count)
	}
	if stats.Min != 15 {
		t.Errorf("Min = %v, want 15 (oldest samples evicted)", stats.Min)
	}
}

func TestSystemMetricsSnapshot(t *testing.T) {
	m := NewSystemMetrics()

	m.IncrementAPI()
	m.IncrementAPI()
	m.IncrementAPIErrors()
	m.IncrementTrades()
	m.IncrementEventsConsumed()
	m.IncrementEventsDeduped()
	m.IncrementTicks()
	m.AddWSClient(1)
	m.AddWSClient(1)
	m.AddWSClient(-1)
	m.SetPoolStats(registry.PoolStats{
		Total:      3,
		MaxSize:    50,
		ByPlatform: map[string]int{"MT5": 2, "CTRADER": 1},
	})

	snap := m.GetSnapshot()
	if snap.APIRequests != 2 || snap.APIErrors != 1 {
		t.Errorf("api counters = %d/%d, want 2/1", snap.APIRequests, snap.APIErrors)
	}
	if snap.TradesPlaced != 1 || snap.EventsConsumed != 1 || snap.EventsDeduped != 1 || snap.TicksBridged != 1 {
		t.Error("domain counters not incremented")
	}
	if snap.WSClients != 1 {
		t.Errorf("WSClients = %d, want 1", snap.WSClients)
	}
	if snap.ConnectorPool.Total != 3 || snap.ConnectorPool.ByPlatform["MT5"] != 2 {
		t.Errorf("pool stats not carried: %+v", snap.ConnectorPool)
	}
	if snap.GoroutineCount <= 0 || snap.HeapAlloc == 0 {
		t.Error("runtime stats missing")
	}
}

func TestTimer(t *testing.T) {
	h := NewLatencyHistogram(10)
	timer := NewTimer(h)
	time.Sleep(5 * time.Millisecond)
	d := timer.Stop()
	if d < 5*time.Millisecond {
		t.Errorf("timer measured %v, want >= 5ms", d)
	}
	if h.Stats().Count != 1 {
		t.Error("Stop should record into the histogram")
	}
}
