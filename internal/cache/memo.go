package cache

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Memo memoizes computations in a Cache and collapses concurrent
// computations for the same fingerprint into one call.
type Memo struct {
	cache  Cache
	group  singleflight.Group
	logger *logrus.Logger
}

func NewMemo(c Cache, l *logrus.Logger) *Memo {
	if l == nil {
		l = logrus.New()
	}
	return &Memo{cache: c, logger: l}
}

// Lookup reports whether a live entry exists for key and decodes it into dst.
// Backend errors count as a miss.
func (m *Memo) Lookup(ctx context.Context, key string, dst any) bool {
	hit, err := m.cache.GetJSON(ctx, key, dst)
	if err != nil {
		m.logger.WithError(err).WithField("fingerprint", key).Warn("cache get failed")
		return false
	}
	return hit
}

// Remember returns the cached value for key, or runs fn once across all
// concurrent callers sharing key and stores its result for ttl.
// Every waiter observes the same value or the same error; errors are
// never stored. fn runs detached from the caller's cancellation so one
// caller giving up does not fail the others; fn must bound itself.
func Remember[T any](ctx context.Context, m *Memo, key string, ttl time.Duration, fn func(context.Context) (T, error)) (val T, hit bool, err error) {
	if m.Lookup(ctx, key, &val) {
		return val, true, nil
	}

	type flight struct {
		val T
		hit bool
	}

	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		var cached T
		if m.Lookup(detached, key, &cached) {
			return flight{val: cached, hit: true}, nil
		}
		v, err := fn(detached)
		if err != nil {
			return nil, err
		}
		if err := m.cache.SetJSON(detached, key, v, ttl); err != nil {
			m.logger.WithError(err).WithField("fingerprint", key).Warn("cache put failed")
		}
		return flight{val: v}, nil
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, false, res.Err
		}
		f := res.Val.(flight)
		return f.val, f.hit, nil
	}
}

// Forget drops key from the cache and from any in-flight bookkeeping.
func (m *Memo) Forget(ctx context.Context, key string) error {
	m.group.Forget(key)
	return m.cache.Del(ctx, key)
}
