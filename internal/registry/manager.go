package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradebridge/pkg/connectors/common"
	"tradebridge/pkg/logger"
)

var log = logger.WithComponent("registry")

var (
	ErrConnectorUnhealthy = errors.New("connector is unhealthy")
	ErrPoolFull           = errors.New("connector pool is full")
)

// cachedConnector holds a connector with metadata for lifecycle management.
type cachedConnector struct {
	Connector common.Connector
	AccountID string
	Platform  string
	CreatedAt time.Time
	LastUsed  time.Time
	HealthyAt time.Time
	Failures  int
}

// Config holds configuration for the connector pool.
type Config struct {
	MaxSize          int           // maximum cached connectors (LRU eviction)
	IdleTimeout      time.Duration // time before an idle connector is removed
	HealthInterval   time.Duration // interval between health checks
	FailureThreshold int           // failures before marking unhealthy
	CircuitTimeout   time.Duration // wait before retrying an unhealthy connector
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager manages a pool of connectors with LRU eviction and health checks.
type Manager struct {
	mu         sync.RWMutex
	connectors map[string]*cachedConnector // accountID -> cached connector
	lruOrder   []string                    // oldest first

	config  Config
	factory *Factory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(factory *Factory, cfg Config) *Manager {
	return &Manager{
		connectors: make(map[string]*cachedConnector),
		lruOrder:   make([]string, 0),
		config:     cfg,
		factory:    factory,
		stopCh:     make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop gracefully shuts down the manager and disconnects everything.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id, cached := range m.connectors {
		_ = cached.Connector.Disconnect(ctx)
		delete(m.connectors, id)
	}
	m.lruOrder = nil
}

// GetOrCreate returns the cached connector for accountID or builds one.
func (m *Manager) GetOrCreate(ctx context.Context, accountID string) (common.Connector, error) {
	// Fast path: already cached.
	m.mu.RLock()
	if cached, ok := m.connectors[accountID]; ok {
		if cached.Failures >= m.config.FailureThreshold {
			if time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
				m.mu.RUnlock()
				return nil, ErrConnectorUnhealthy
			}
		}
		m.mu.RUnlock()
		m.touchLRU(accountID)
		return cached.Connector, nil
	}
	m.mu.RUnlock()

	return m.createConnector(ctx, accountID)
}

func (m *Manager) createConnector(ctx context.Context, accountID string) (common.Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring the lock.
	if cached, ok := m.connectors[accountID]; ok {
		m.touchLRULocked(accountID)
		return cached.Connector, nil
	}

	if len(m.connectors) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	conn, err := m.factory.Build(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !conn.IsConnected() {
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	m.connectors[accountID] = &cachedConnector{
		Connector: conn,
		AccountID: accountID,
		Platform:  conn.PlatformName(),
		CreatedAt: now,
		LastUsed:  now,
		HealthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, accountID)

	log.WithFields(logger.Fields{"account": accountID, "platform": conn.PlatformName()}).
		Info("connector created")
	return conn, nil
}

// Remove disconnects and drops the connector for accountID.
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.connectors[accountID]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = cached.Connector.Disconnect(ctx)
		cancel()
		delete(m.connectors, accountID)
		m.removeLRULocked(accountID)
	}
}

// RecordFailure increments the failure counter for accountID.
func (m *Manager) RecordFailure(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.connectors[accountID]; ok {
		cached.Failures++
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cached, ok := m.connectors[accountID]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// PoolStats contains connector pool statistics.
type PoolStats struct {
	Total      int            `json:"total"`
	MaxSize    int            `json:"max_size"`
	ByPlatform map[string]int `json:"by_platform"`
	Unhealthy  int            `json:"unhealthy"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		Total:      len(m.connectors),
		MaxSize:    m.config.MaxSize,
		ByPlatform: make(map[string]int),
	}
	for _, cached := range m.connectors {
		stats.ByPlatform[cached.Platform]++
		if cached.Failures >= m.config.FailureThreshold {
			stats.Unhealthy++
		}
	}
	return stats
}

// --- internal helpers ---

func (m *Manager) touchLRU(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(accountID)
}

func (m *Manager) touchLRULocked(accountID string) {
	if cached, ok := m.connectors[accountID]; ok {
		cached.LastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, accountID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(accountID string) {
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	if cached, ok := m.connectors[oldest]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = cached.Connector.Disconnect(ctx)
		cancel()
		delete(m.connectors, oldest)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var toRemove []string
	for id, cached := range m.connectors {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		if cached, ok := m.connectors[id]; ok {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = cached.Connector.Disconnect(ctx)
			cancel()
			delete(m.connectors, id)
			m.removeLRULocked(id)
			log.WithField("account", id).Debug("idle connector removed")
		}
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.connectors))
	for id := range m.connectors {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

func (m *Manager) healthCheck(accountID string) {
	m.mu.RLock()
	cached, ok := m.connectors[accountID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	conn := cached.Connector
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err := conn.GetAccountInfo(ctx)
	cancel()

	if err != nil {
		m.RecordFailure(accountID)
		log.WithError(err).WithField("account", accountID).Warn("health check failed")
	} else {
		m.RecordSuccess(accountID)
	}
}
