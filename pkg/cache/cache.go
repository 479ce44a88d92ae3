// Package cache provides TTL key/value caches for event de-duplication and
// account-identifier resolution. A Redis-backed implementation is used when
// REDIS_ADDR is configured so multiple processes share one view; the sharded
// in-memory implementation is the fallback.
package cache

import (
	"context"
	"time"
)

// TTLCache is the contract both implementations satisfy.
type TTLCache interface {
	// Get returns the value for key if present and unexpired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores key=value with the given TTL, overwriting any entry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores key=value only if key is absent; reports whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
}
