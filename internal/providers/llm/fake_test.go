package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeProvider answers with text, fails with err, or hangs for delay.
type fakeProvider struct {
	id    string
	text  string
	err   error
	delay time.Duration
	calls int32

	mu   sync.Mutex
	last Request
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Completion{}, f.err
	}
	return Completion{Text: f.text}, nil
}

func (f *fakeProvider) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
