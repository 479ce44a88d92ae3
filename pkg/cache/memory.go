package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Memory is a sharded in-process TTL cache.
type Memory struct {
	shards [numShards]*shard
	stop   chan struct{}
	once   sync.Once
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	value     string
	expiresAt time.Time
}

// NewMemory builds the cache and starts a background sweeper.
func NewMemory() *Memory {
	c := &Memory{stop: make(chan struct{})}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	go c.sweep()
	return c
}

func (c *Memory) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Get returns the live value for key.
func (c *Memory) Get(_ context.Context, key string) (string, bool, error) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores key=value with ttl, overwriting.
func (c *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// SetNX stores only if key is absent or expired.
func (c *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s := c.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	s.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

// Delete removes key.
func (c *Memory) Delete(_ context.Context, key string) error {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len returns live entries across all shards.
func (c *Memory) Len() int {
	now := time.Now()
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.items {
			if now.Before(e.expiresAt) {
				total++
			}
		}
		s.mu.RUnlock()
	}
	return total
}

// Close stops the sweeper.
func (c *Memory) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Memory) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			for _, s := range c.shards {
				s.mu.Lock()
				for k, e := range s.items {
					if now.After(e.expiresAt) {
						delete(s.items, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
