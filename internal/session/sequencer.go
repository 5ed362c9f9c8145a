package session

import (
	"context"
	"sync"

	"github.com/spike-crypto/voicebot/internal/utils"
)

// Sequencer orders a per-session critical step (appending turns) by the
// order in which requests were received, regardless of the order they
// finish their provider calls. Take a Ticket on receipt, Wait before the
// step and Done after it, including on failure.
type Sequencer struct {
	locks *utils.ShardedLocks
	tails []map[string]chan struct{}
}

func NewSequencer(shards int) *Sequencer {
	locks := utils.NewShardedLocks(shards)
	s := &Sequencer{locks: locks, tails: make([]map[string]chan struct{}, locks.Len())}
	for i := range s.tails {
		s.tails[i] = map[string]chan struct{}{}
	}
	return s
}

type Ticket struct {
	seq  *Sequencer
	key  string
	prev <-chan struct{}
	done chan struct{}

	once   sync.Once
	passed bool
}

// Ticket enqueues a new position for key.
func (s *Sequencer) Ticket(key string) *Ticket {
	mu := s.locks.Lock(key)
	defer mu.Unlock()

	tails := s.tails[s.locks.Index(key)]
	t := &Ticket{seq: s, key: key, prev: tails[key], done: make(chan struct{})}
	tails[key] = t.done
	return t
}

// Wait blocks until every earlier ticket for the same key is done.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.prev == nil {
		t.passed = true
		return nil
	}
	select {
	case <-t.prev:
		t.passed = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done releases the next ticket. If Wait never returned successfully the
// release is deferred until the earlier tickets finish, so order holds
// even when a request gives up early. Safe to call more than once.
func (t *Ticket) Done() {
	t.once.Do(func() {
		if t.passed || t.prev == nil {
			t.release()
			return
		}
		go func() {
			<-t.prev
			t.release()
		}()
	})
}

func (t *Ticket) release() {
	mu := t.seq.locks.Lock(t.key)
	defer mu.Unlock()

	close(t.done)
	tails := t.seq.tails[t.seq.locks.Index(t.key)]
	if tails[t.key] == t.done {
		delete(tails, t.key)
	}
}
