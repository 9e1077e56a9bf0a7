package dedup

import (
	"context"
	"sync"
	"time"
)

// Cache suppresses duplicate events within a TTL, keyed by aggregation key.
// Seen reports whether the key was marked and has not expired; Mark records
// it for the given TTL.
type Cache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// InMemoryCache implements Cache with an in-process map and TTL-based
// expiration. Expired entries are removed on access. Safe for concurrent
// use by the ingest handlers.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]time.Time
}

// NewInMemoryCache creates an empty in-memory dedup cache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]time.Time),
	}
}

// Seen reports whether key was marked and has not yet expired.
func (c *InMemoryCache) Seen(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt, ok := c.data[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		delete(c.data, key)
		return false, nil
	}
	return true, nil
}

// Mark records key for the given TTL, replacing any earlier mark.
func (c *InMemoryCache) Mark(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = time.Now().Add(ttl)
	return nil
}
