package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T, rules []Rule, opts ...RedisOption) (*miniredis.Miniredis, *RedisLimiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisLimiter(rdb, "", rules, opts...)
}

func TestRedisLimiterDeniesOverLimit(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	_, l := newRedisLimiter(t, perMinute(5), WithRedisClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "X")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: %+v %v", i+1, d, err)
		}
		if d.Remaining != 4-i {
			t.Fatalf("request %d: remaining %d", i+1, d.Remaining)
		}
		clk.Advance(2 * time.Second)
	}
	d, err := l.Check(ctx, "X")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.RetryAfter != 50*time.Second || d.Limit != 5 {
		t.Fatalf("6th request should be denied for 50s, got %+v", d)
	}
}

func TestRedisLimiterBurstAcrossMinuteBoundary(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 58, 0, time.UTC)}
	_, l := newRedisLimiter(t, perMinute(5), WithRedisClock(clk.Now))
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 5; i++ {
		if d, _ := l.Check(ctx, "X"); d.Allowed {
			admitted++
		}
	}
	clk.Advance(4 * time.Second)
	for i := 0; i < 5; i++ {
		if d, _ := l.Check(ctx, "X"); d.Allowed {
			admitted++
		}
	}
	if admitted != 5 {
		t.Fatalf("admitted %d within 4s with limit 5/min", admitted)
	}

	clk.Advance(56 * time.Second)
	if d, _ := l.Check(ctx, "X"); !d.Allowed {
		t.Fatalf("the burst has aged out, got %+v", d)
	}
}

func TestRedisLimiterDenialLeavesNoTrace(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	mr, l := newRedisLimiter(t, []Rule{
		{Limit: 1, Window: time.Minute},
		{Limit: 2, Window: time.Hour},
	}, WithRedisClock(clk.Now))
	ctx := context.Background()

	l.Check(ctx, "X")
	for i := 0; i < 3; i++ {
		if d, _ := l.Check(ctx, "X"); d.Allowed {
			t.Fatal("minute budget should deny")
		}
	}
	members, err := mr.ZMembers("ratelimit:X")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 {
		t.Fatalf("denied checks must not be logged, got %d entries", len(members))
	}

	clk.Advance(time.Minute)
	if d, _ := l.Check(ctx, "X"); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("hour budget still had a slot, got %+v", d)
	}
	clk.Advance(time.Second)
	d, _ := l.Check(ctx, "X")
	if d.Allowed || d.Limit != 2 || d.RetryAfter != time.Hour-61*time.Second {
		t.Fatalf("expected the hourly wait, got %+v", d)
	}
}

func TestRedisLimiterKeyExpires(t *testing.T) {
	mr, l := newRedisLimiter(t, perMinute(1))
	ctx := context.Background()

	l.Check(ctx, "X")
	if ttl := mr.TTL("ratelimit:X"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("log should expire with the window, ttl=%v", ttl)
	}
}

func TestRedisLimiterConcurrent(t *testing.T) {
	_, l := newRedisLimiter(t, perMinute(10))
	ctx := context.Background()

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := l.Check(ctx, "X"); err == nil && d.Allowed {
				atomic.AddInt32(&admitted, 1)
			}
		}()
	}
	wg.Wait()
	if admitted != 10 {
		t.Fatalf("expected 10 admitted, got %d", admitted)
	}
}
