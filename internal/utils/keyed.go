package utils

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ShardedLocks hands out one of a fixed set of mutexes per key so that
// unrelated keys rarely contend and no global lock is held.
type ShardedLocks struct {
	shards []sync.Mutex
}

func NewShardedLocks(n int) *ShardedLocks {
	if n <= 0 {
		n = 64
	}
	return &ShardedLocks{shards: make([]sync.Mutex, n)}
}

// Index returns the shard index for key.
func (s *ShardedLocks) Index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.shards)))
}

// Len is the number of shards.
func (s *ShardedLocks) Len() int { return len(s.shards) }

// Shard returns the i-th mutex unlocked, for sweeps over every shard.
func (s *ShardedLocks) Shard(i int) *sync.Mutex { return &s.shards[i] }

func (s *ShardedLocks) Lock(key string) *sync.Mutex {
	m := &s.shards[s.Index(key)]
	m.Lock()
	return m
}
