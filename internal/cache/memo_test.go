package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRememberSingleFlight(t *testing.T) {
	m := NewMemo(NewMemoryCache(0), nil)
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	fn := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "answer", nil
	}

	const n = 50
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = Remember(ctx, m, "fp", time.Minute, fn)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one computation, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || results[i] != "answer" {
			t.Fatalf("caller %d got %q, %v", i, results[i], errs[i])
		}
	}
}

func TestRememberSharesFailureAndDoesNotCacheIt(t *testing.T) {
	m := NewMemo(NewMemoryCache(0), nil)
	ctx := context.Background()
	boom := errors.New("boom")

	var calls int32
	release := make(chan struct{})
	failing := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "", boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = Remember(ctx, m, "fp", time.Minute, failing)
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected one computation, got %d", calls)
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d: expected boom, got %v", i, err)
		}
	}

	v, hit, err := Remember(ctx, m, "fp", time.Minute, func(context.Context) (string, error) { return "ok", nil })
	if err != nil || hit || v != "ok" {
		t.Fatalf("expected fresh computation after failure, got %q hit=%v err=%v", v, hit, err)
	}
}

func TestRememberHitSkipsComputation(t *testing.T) {
	m := NewMemo(NewMemoryCache(0), nil)
	ctx := context.Background()

	var calls int32
	fn := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	}
	if _, hit, _ := Remember(ctx, m, "fp", time.Minute, fn); hit {
		t.Fatal("first call cannot be a hit")
	}
	v, hit, err := Remember(ctx, m, "fp", time.Minute, fn)
	if err != nil || !hit || v != 42 {
		t.Fatalf("expected cached 42, got %d hit=%v err=%v", v, hit, err)
	}
	if calls != 1 {
		t.Fatalf("expected one computation, got %d", calls)
	}
}

func TestRememberCallerCancelDoesNotAbortFlight(t *testing.T) {
	m := NewMemo(NewMemoryCache(0), nil)

	release := make(chan struct{})
	fn := func(ctx context.Context) (string, error) {
		<-release
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "done", nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, _, err := Remember(leaderCtx, m, "fp", time.Minute, fn)
		leaderErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	follower := make(chan string, 1)
	go func() {
		v, _, _ := Remember(context.Background(), m, "fp", time.Minute, fn)
		follower <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader should observe its own cancellation, got %v", err)
	}
	close(release)
	if v := <-follower; v != "done" {
		t.Fatalf("follower should receive the shared result, got %q", v)
	}
}
