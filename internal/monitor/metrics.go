package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradebridge/internal/registry"
)

// SystemMetrics tracks overall service performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	APILatency       *LatencyHistogram
	ConnectorLatency *LatencyHistogram
	DBLatency        *LatencyHistogram

	// Counters
	apiRequests    uint64
	apiErrors      uint64
	tradesPlaced   uint64
	eventsConsumed uint64
	eventsDeduped  uint64
	ticksBridged   uint64
	wsClients      int64

	// Connector pool stats (updated periodically from main).
	poolStats registry.PoolStats

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window.
// Stats are recomputed lazily, only when samples have changed.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		APILatency:       NewLatencyHistogram(1000),
		ConnectorLatency: NewLatencyHistogram(1000),
		DBLatency:        NewLatencyHistogram(1000),
		lastUpdate:       time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementAPI increments the handled-request counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the 4xx/5xx response counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// IncrementTrades increments the placed-trades counter.
func (m *SystemMetrics) IncrementTrades() {
	atomic.AddUint64(&m.tradesPlaced, 1)
}

// IncrementEventsConsumed counts deliveries taken off the event queue.
func (m *SystemMetrics) IncrementEventsConsumed() {
	atomic.AddUint64(&m.eventsConsumed, 1)
}

// IncrementEventsDeduped counts deliveries dropped as duplicates.
func (m *SystemMetrics) IncrementEventsDeduped() {
	atomic.AddUint64(&m.eventsDeduped, 1)
}

// IncrementTicks counts price ticks fanned out to bus groups.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksBridged, 1)
}

// AddWSClient tracks a websocket client connecting (+1) or leaving (-1).
func (m *SystemMetrics) AddWSClient(delta int) {
	atomic.AddInt64(&m.wsClients, int64(delta))
}

// MetricsSnapshot is a point-in-time view served by the metrics endpoint.
type MetricsSnapshot struct {
	APILatency       LatencyStats       `json:"api_latency"`
	ConnectorLatency LatencyStats       `json:"connector_latency"`
	DBLatency        LatencyStats       `json:"db_latency"`
	APIRequests      uint64             `json:"api_requests"`
	APIErrors        uint64             `json:"api_errors"`
	TradesPlaced     uint64             `json:"trades_placed"`
	EventsConsumed   uint64             `json:"events_consumed"`
	EventsDeduped    uint64             `json:"events_deduped"`
	TicksBridged     uint64             `json:"ticks_bridged"`
	WSClients        int64              `json:"ws_clients"`
	ConnectorPool    registry.PoolStats `json:"connector_pool"`
	GoroutineCount   int                `json:"goroutine_count"`
	HeapAlloc        uint64             `json:"heap_alloc_bytes"`
	HeapSys          uint64             `json:"heap_sys_bytes"`
	Timestamp        time.Time          `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	pool := m.poolStats
	m.mu.RUnlock()

	return MetricsSnapshot{
		APILatency:       m.APILatency.Stats(),
		ConnectorLatency: m.ConnectorLatency.Stats(),
		DBLatency:        m.DBLatency.Stats(),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		TradesPlaced:     atomic.LoadUint64(&m.tradesPlaced),
		EventsConsumed:   atomic.LoadUint64(&m.eventsConsumed),
		EventsDeduped:    atomic.LoadUint64(&m.eventsDeduped),
		TicksBridged:     atomic.LoadUint64(&m.ticksBridged),
		WSClients:        atomic.LoadInt64(&m.wsClients),
		ConnectorPool:    pool,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}

// SetPoolStats updates connector pool statistics.
func (m *SystemMetrics) SetPoolStats(stats registry.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolStats = stats
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
