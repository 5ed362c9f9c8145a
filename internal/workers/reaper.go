package workers

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper removes expired state and reports how much it removed.
type Sweeper interface {
	Reap(ctx context.Context) (int, error)
}

// SweepFunc adapts a plain function to Sweeper.
type SweepFunc func(ctx context.Context) (int, error)

func (f SweepFunc) Reap(ctx context.Context) (int, error) { return f(ctx) }

// Reaper periodically runs each Sweeper until ctx is cancelled.
type Reaper struct {
	Interval time.Duration
	Sweepers map[string]Sweeper
	Logger   *logrus.Logger
}

func (r *Reaper) Start(ctx context.Context) {
	if r.Interval <= 0 {
		r.Interval = time.Minute
	}
	if r.Logger == nil {
		r.Logger = logrus.New()
	}
	go func() {
		t := time.NewTicker(r.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Reaper) sweep(ctx context.Context) {
	for name, s := range r.Sweepers {
		sctx, cancel := context.WithTimeout(ctx, r.Interval)
		n, err := s.Reap(sctx)
		cancel()
		log := r.Logger.WithField("sweeper", name)
		if err != nil {
			log.WithError(err).Warn("reap failed")
			continue
		}
		if n > 0 {
			log.WithField("removed", n).Debug("reaped expired entries")
		}
	}
}
