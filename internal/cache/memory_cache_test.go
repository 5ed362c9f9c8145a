package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache(0)
	ctx := context.Background()

	if err := c.SetJSON(ctx, "k", "v1", 150*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got string
	hit, err := c.GetJSON(ctx, "k", &got)
	if err != nil || !hit || got != "v1" {
		t.Fatalf("expected hit v1, got hit=%v val=%q err=%v", hit, got, err)
	}

	// reads do not extend the entry's lifetime
	time.Sleep(100 * time.Millisecond)
	c.GetJSON(ctx, "k", &got)
	time.Sleep(100 * time.Millisecond)
	if hit, _ = c.GetJSON(ctx, "k", &got); hit {
		t.Fatal("expected miss after ttl")
	}

	// put overwrites the expired entry
	_ = c.SetJSON(ctx, "k", "v2", time.Minute)
	hit, _ = c.GetJSON(ctx, "k", &got)
	if !hit || got != "v2" {
		t.Fatalf("expected v2 after overwrite, got %q", got)
	}
}

func TestMemoryCacheZeroTTLNeverExpires(t *testing.T) {
	c := NewMemoryCache(0)
	ctx := context.Background()
	_ = c.SetJSON(ctx, "k", 1, 0)
	if n, _ := c.Reap(ctx); n != 0 {
		t.Fatalf("reaped %d entries without a ttl", n)
	}
	if e, ok := c.Entry("k"); !ok || e.TTL != 0 {
		t.Fatalf("unexpected entry %+v ok=%v", e, ok)
	}
}

func TestMemoryCacheHitCount(t *testing.T) {
	c := NewMemoryCache(0)
	ctx := context.Background()
	_ = c.SetJSON(ctx, "k", 1, time.Minute)

	var v int
	for i := 0; i < 3; i++ {
		c.GetJSON(ctx, "k", &v)
	}
	c.GetJSON(ctx, "missing", &v)

	e, ok := c.Entry("k")
	if !ok || e.Hits != 3 || e.TTL != time.Minute {
		t.Fatalf("expected 3 hits, got %+v ok=%v", e, ok)
	}
	if st := c.Stats(); st.Hits != 3 || st.Misses != 1 || st.Entries != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c := NewMemoryCache(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = c.SetJSON(ctx, fmt.Sprintf("k%d", i), i, time.Hour)
	}
	var v int
	// touch k0 so k1 becomes least recently used
	if hit, _ := c.GetJSON(ctx, "k0", &v); !hit {
		t.Fatal("k0 should be present")
	}
	_ = c.SetJSON(ctx, "k3", 3, time.Hour)

	if hit, _ := c.GetJSON(ctx, "k1", &v); hit {
		t.Fatal("k1 should have been evicted")
	}
	for _, k := range []string{"k0", "k2", "k3"} {
		if hit, _ := c.GetJSON(ctx, k, &v); !hit {
			t.Fatalf("%s should still be cached", k)
		}
	}
	if st := c.Stats(); st.Entries != 3 || st.Evictions == 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestMemoryCacheEvictsExpiredBeforeLRU(t *testing.T) {
	c := NewMemoryCache(2)
	ctx := context.Background()

	_ = c.SetJSON(ctx, "long", 1, time.Hour)
	_ = c.SetJSON(ctx, "short", 2, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	_ = c.SetJSON(ctx, "new", 3, time.Hour)

	var v int
	if hit, _ := c.GetJSON(ctx, "long", &v); !hit {
		t.Fatal("live entry should survive when an expired one can be evicted")
	}
	if hit, _ := c.GetJSON(ctx, "new", &v); !hit {
		t.Fatal("new entry should be cached")
	}
}

func TestMemoryCacheReap(t *testing.T) {
	c := NewMemoryCache(0)
	ctx := context.Background()
	_ = c.SetJSON(ctx, "a", 1, 20*time.Millisecond)
	_ = c.SetJSON(ctx, "b", 2, time.Hour)
	time.Sleep(50 * time.Millisecond)

	if n, _ := c.Reap(ctx); n != 1 {
		t.Fatalf("expected 1 reaped entry, got %d", n)
	}
	if st := c.Stats(); st.Entries != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestMemoryCacheDel(t *testing.T) {
	c := NewMemoryCache(0)
	ctx := context.Background()
	_ = c.SetJSON(ctx, "a", "x", time.Minute)
	_ = c.Del(ctx, "a", "missing")

	var s string
	if hit, _ := c.GetJSON(ctx, "a", &s); hit {
		t.Fatal("expected miss after Del")
	}
}
