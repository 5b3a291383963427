// Package memory implements the query cache as an in-process map. It is
// the default backend when no Redis address is configured.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
)

type item struct {
	value    []byte
	storedAt time.Time
}

// Cache is a query cache with a fixed TTL. Entries are never proactively
// evicted: an expired entry reads as absent and stays in the map until a
// later Set overwrites it, so the map grows with distinct key cardinality.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	items map[string]item
}

// New creates a Cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	return NewWithClock(ttl, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(ttl time.Duration, now func() time.Time) *Cache {
	return &Cache{
		ttl:   ttl,
		now:   now,
		items: map[string]item{},
	}
}

// Get returns the stored value for key, or domain.ErrNotFound when the key
// is missing or its entry has aged past the TTL.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, domain.ErrNotFound
	}
	if c.now().Sub(it.storedAt) >= c.ttl {
		return nil, domain.ErrNotFound
	}
	return clone(it.value), nil
}

// Set stores value under key, overwriting any previous entry.
func (c *Cache) Set(ctx context.Context, key string, value []byte) error {
	_ = ctx
	c.mu.Lock()
	c.items[key] = item{value: clone(value), storedAt: c.now()}
	c.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Compile-time interface check.
var _ domain.QueryCache = (*Cache)(nil)
