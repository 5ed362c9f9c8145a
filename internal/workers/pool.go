package workers

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Task is one unit of work. It receives the pool's context, which is
// cancelled on shutdown.
type Task func(ctx context.Context)

var (
	ErrQueueFull   = errors.New("worker queue full")
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
// Submit never blocks: a full queue is reported to the caller.
type Pool struct {
	NumWorkers int
	QueueSize  int
	Logger     *logrus.Logger

	queue chan Task
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 8
	}
	if p.QueueSize <= 0 {
		p.QueueSize = 64
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}
	p.queue = make(chan Task, p.QueueSize)
	p.started = true

	for i := 0; i < p.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i+1)
	}
	return nil
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.exec(ctx, worker, task)
		}
	}
}

func (p *Pool) exec(ctx context.Context, worker int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.Logger.WithFields(logrus.Fields{"worker": worker, "panic": r}).Error("task panicked")
		}
	}()
	task(ctx)
}

func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started || p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new tasks, lets queued ones drain and waits for workers.
// Cancel the Start context first to abandon queued work instead.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
