package cache

import (
	"context"
	"time"
)

// Cache stores JSON payloads keyed by fingerprint. A Get on an expired
// entry is a miss and SetJSON overwrites whatever is stored under key.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Entry is the stored form of a memoized response.
type Entry struct {
	Fingerprint string
	Payload     []byte
	CreatedAt   time.Time
	TTL         time.Duration
	Hits        int64
}

// Stats reports cache performance counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}
