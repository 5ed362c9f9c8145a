package utils

import (
	"sync"
	"testing"
)

func TestShardedLocksSerializeSameKey(t *testing.T) {
	locks := NewShardedLocks(8)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu := locks.Lock("session-1")
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counter != 100 {
		t.Fatalf("counter = %d", counter)
	}
}

func TestShardedLocksIndexIsStable(t *testing.T) {
	locks := NewShardedLocks(16)
	for _, k := range []string{"a", "b", "session-42"} {
		i := locks.Index(k)
		if i < 0 || i >= locks.Len() || locks.Index(k) != i {
			t.Fatalf("Index(%q) = %d", k, i)
		}
		if locks.Shard(i) != locks.Lock(k) {
			t.Fatalf("Shard and Lock disagree for %q", k)
		}
		locks.Shard(i).Unlock()
	}
}
