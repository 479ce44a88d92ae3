// Package events is the in-process fan-out layer between the broker event
// bridge and websocket/bot subscribers. Group names are the wire contract
// shared with frontend clients.
package events

import (
	"sync"
)

// Group identifies one fan-out channel, e.g. "prices_<account>_EURUSD".
type Group string

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu   sync.RWMutex
	subs map[Group][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Group][]chan any)}
}

// Subscribe registers a listener for a group and returns the channel and an
// unsubscribe function.
func (b *Bus) Subscribe(g Group, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[g] = append(b.subs[g], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[g]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[g] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[g]) == 0 {
			delete(b.subs, g)
		}
	}

	return ch, unsub
}

// Publish fan-outs the payload to subscribers asynchronously to avoid blocking.
func (b *Bus) Publish(g Group, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[g] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}

// SubscriberCount reports how many listeners a group currently has.
func (b *Bus) SubscriberCount(g Group) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[g])
}
