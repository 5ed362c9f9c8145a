package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const memoryShards = 32

// MemoryLimiter keeps a sliding log of admission times per identity in
// process. Logs are spread over shards; a check locks only the shard
// owning the identity, so trimming, counting and recording happen under
// one lock.
type MemoryLimiter struct {
	rules  []Rule
	window time.Duration
	now    func() time.Time
	shards [memoryShards]memShard
}

type memShard struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

type MemoryOption func(*MemoryLimiter)

func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) { l.now = now }
}

// NewMemoryLimiter enforces every enabled rule together, ex: a per-minute
// and a per-hour budget.
func NewMemoryLimiter(rules []Rule, opts ...MemoryOption) *MemoryLimiter {
	active := activeRules(rules)
	l := &MemoryLimiter{rules: active, window: longestWindow(active), now: time.Now}
	for i := range l.shards {
		l.shards[i].logs = map[string][]time.Time{}
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *MemoryLimiter) shard(identity string) *memShard {
	return &l.shards[xxhash.Sum64String(identity)%memoryShards]
}

func (l *MemoryLimiter) Check(_ context.Context, identity string) (Decision, error) {
	if len(l.rules) == 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	s := l.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	log := s.logs[identity]
	log = log[inWindow(log, now, l.window):]

	d := evaluate(l.rules, log, now)
	if d.Allowed {
		log = append(log, now)
	}
	if len(log) == 0 {
		delete(s.logs, identity)
	} else {
		s.logs[identity] = log
	}
	return d, nil
}

// Buckets reports identity's usage under each rule, in rule order.
func (l *MemoryLimiter) Buckets(identity string) []Bucket {
	s := l.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	log := s.logs[identity]
	out := make([]Bucket, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, Bucket{
			Identity:    identity,
			WindowStart: now.Add(-r.Window),
			Count:       len(log) - inWindow(log, now, r.Window),
			Limit:       r.Limit,
		})
	}
	return out
}

// Reap drops admissions older than the longest window and forgets idle
// identities. Returns how many identities were removed.
func (l *MemoryLimiter) Reap(_ context.Context) (int, error) {
	now := l.now()
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for id, log := range s.logs {
			log = log[inWindow(log, now, l.window):]
			if len(log) == 0 {
				delete(s.logs, id)
				n++
				continue
			}
			s.logs[id] = log
		}
		s.mu.Unlock()
	}
	return n, nil
}
