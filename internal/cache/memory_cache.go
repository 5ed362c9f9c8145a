package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryCache is an in-process Cache with per-entry TTL and an optional
// LRU capacity bound. Reads never extend an entry's lifetime.
type MemoryCache struct {
	items    *ttlcache.Cache[string, *memEntry]
	capacity int
}

type memEntry struct {
	payload   []byte
	createdAt time.Time
	ttl       time.Duration
	hits      atomic.Int64
}

// NewMemoryCache returns a cache holding at most capacity entries
// (capacity <= 0 means unbounded, TTL-only eviction).
func NewMemoryCache(capacity int) *MemoryCache {
	opts := []ttlcache.Option[string, *memEntry]{
		ttlcache.WithDisableTouchOnHit[string, *memEntry](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *memEntry](uint64(capacity)))
	}
	return &MemoryCache{items: ttlcache.New(opts...), capacity: capacity}
}

func (c *MemoryCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	it := c.items.Get(key)
	if it == nil {
		return false, nil
	}
	e := it.Value()
	if err := json.Unmarshal(e.payload, dst); err != nil {
		// corrupt entry: treat as miss
		c.items.Delete(key)
		return false, nil
	}
	e.hits.Add(1)
	return true, nil
}

func (c *MemoryCache) SetJSON(_ context.Context, key string, val any, ttl time.Duration) error {
	b, err := json.Marshal(val)
	if err != nil {
		return err
	}
	// a full cache gives up expired entries before live ones
	if c.capacity > 0 && c.items.Len() >= c.capacity {
		c.items.DeleteExpired()
	}
	itemTTL := ttl
	if ttl <= 0 {
		itemTTL = ttlcache.NoTTL
	}
	c.items.Set(key, &memEntry{payload: b, createdAt: time.Now(), ttl: ttl}, itemTTL)
	return nil
}

func (c *MemoryCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.items.Delete(k)
	}
	return nil
}

// Entry returns a copy of the live entry for key, if any. It does not
// count as a read. It copies the whole index, so keep it to diagnostics.
func (c *MemoryCache) Entry(key string) (Entry, bool) {
	it, ok := c.items.Items()[key]
	if !ok || it.IsExpired() {
		return Entry{}, false
	}
	e := it.Value()
	return Entry{
		Fingerprint: key,
		Payload:     e.payload,
		CreatedAt:   e.createdAt,
		TTL:         e.ttl,
		Hits:        e.hits.Load(),
	}, true
}

func (c *MemoryCache) Stats() Stats {
	m := c.items.Metrics()
	return Stats{
		Entries:   c.items.Len(),
		Hits:      int64(m.Hits),
		Misses:    int64(m.Misses),
		Evictions: int64(m.Evictions),
	}
}

// Reap drops expired entries and returns how many were removed.
func (c *MemoryCache) Reap(_ context.Context) (int, error) {
	before := c.items.Len()
	c.items.DeleteExpired()
	return max(before-c.items.Len(), 0), nil
}
