package llm

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Chain tries providers in fixed priority order and returns the first
// success. Each provider has its own circuit breaker and lock, so a slow
// or failing provider never serializes calls to the others.
type Chain struct {
	entries []*entry
	timeout time.Duration
	now     func() time.Time
	logger  *logrus.Logger
}

type entry struct {
	p  Provider
	mu sync.Mutex
	b  breaker
}

type ChainOption func(*Chain)

// WithTimeout bounds each provider call. Exceeding it is a timeout failure.
func WithTimeout(d time.Duration) ChainOption {
	return func(c *Chain) { c.timeout = d }
}

func WithClock(now func() time.Time) ChainOption {
	return func(c *Chain) { c.now = now }
}

func WithLogger(l *logrus.Logger) ChainOption {
	return func(c *Chain) { c.logger = l }
}

func NewChain(cfg BreakerConfig, providers []Provider, opts ...ChainOption) *Chain {
	cfg = cfg.withDefaults()
	c := &Chain{timeout: 15 * time.Second, now: time.Now, logger: logrus.New()}
	for _, p := range providers {
		c.entries = append(c.entries, &entry{
			p: p,
			b: breaker{cfg: cfg, rec: HealthRecord{ProviderID: p.ID(), State: CircuitClosed}},
		})
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IDs lists provider ids in priority order.
func (c *Chain) IDs() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.p.ID()
	}
	return out
}

// Complete returns the first successful completion. When every provider
// fails or is skipped the error is an *ExhaustedError. Cancellation of
// ctx is returned as is and is not held against any provider.
func (c *Chain) Complete(ctx context.Context, req Request) (Completion, error) {
	var last error
	tried, skipped := 0, 0

	for _, e := range c.entries {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}

		e.mu.Lock()
		ok := e.b.admit(c.now())
		e.mu.Unlock()
		if !ok {
			skipped++
			continue
		}
		tried++

		out, err := c.call(ctx, e.p, req)
		if err == nil {
			e.mu.Lock()
			e.b.success()
			e.mu.Unlock()
			out.Provider = e.p.ID()
			return out, nil
		}

		if ctx.Err() != nil {
			e.mu.Lock()
			e.b.abandon()
			e.mu.Unlock()
			return Completion{}, ctx.Err()
		}

		pe := classify(e.p.ID(), err)
		e.mu.Lock()
		e.b.failure(c.now(), pe.Kind)
		state := e.b.rec.State
		e.mu.Unlock()

		c.logger.WithFields(logrus.Fields{
			"provider": pe.Provider,
			"kind":     pe.Kind,
			"circuit":  state,
		}).WithError(pe.Err).Warn("llm provider failed, falling back")
		last = pe
	}

	return Completion{}, &ExhaustedError{Last: last, Tried: tried, Skipped: skipped}
}

// call runs one provider under the per-provider timeout and stops waiting
// the moment the timeout fires, even if the provider ignores ctx.
func (c *Chain) call(ctx context.Context, p Provider, req Request) (Completion, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		out Completion
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := p.Complete(cctx, req)
		ch <- result{out, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.out.Text == "" {
			return Completion{}, &ProviderError{Provider: p.ID(), Kind: KindMalformed, Err: errEmptyCompletion}
		}
		return r.out, r.err
	case <-cctx.Done():
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		return Completion{}, &ProviderError{Provider: p.ID(), Kind: KindTimeout, Err: cctx.Err()}
	}
}

// Health returns a snapshot of every provider's record in priority order.
func (c *Chain) Health() []HealthRecord {
	out := make([]HealthRecord, len(c.entries))
	for i, e := range c.entries {
		e.mu.Lock()
		out[i] = e.b.rec
		e.mu.Unlock()
	}
	return out
}
