package mt5

import (
	"context"
	"sync"
)

// Manager guarantees at most one live Client per internal account id. The
// lock covers only check-then-create; steady-state access is lock-free via
// the returned client.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{clients: make(map[string]*Client)}
}

// GetOrCreate returns the existing client for accountID or builds one with
// build and connects it.
func (m *Manager) GetOrCreate(ctx context.Context, accountID string, build func() (*Client, error)) (*Client, error) {
	m.mu.Lock()
	if c, ok := m.clients[accountID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	// Build outside the lock; connecting can take a while.
	c, err := build()
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have won the race; prefer the first live client.
	if existing, ok := m.clients[accountID]; ok {
		_ = c.Disconnect(ctx)
		return existing, nil
	}
	m.clients[accountID] = c
	return c, nil
}

// Get returns the client for accountID if one is live.
func (m *Manager) Get(accountID string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[accountID]
	return c, ok
}

// Remove disconnects and forgets the client for accountID.
func (m *Manager) Remove(ctx context.Context, accountID string) {
	m.mu.Lock()
	c, ok := m.clients[accountID]
	delete(m.clients, accountID)
	m.mu.Unlock()
	if ok {
		_ = c.Disconnect(ctx)
	}
}

// Len returns the number of live clients.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Stop disconnects every client.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		_ = c.Disconnect(ctx)
	}
}
