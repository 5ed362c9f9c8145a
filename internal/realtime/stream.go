package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Stream carries one request's events from the pipeline to whoever is
// listening. Every listener gets its own copy of each event. Publish never
// blocks: a listener whose buffer is full misses that progress event. The
// terminal event is held outside the buffers so it can never be dropped
// and can be read by a reconnecting consumer.
type Stream struct {
	id     string
	buffer int
	done   chan struct{}

	mu        sync.Mutex
	history   []Event // last buffer progress events, replayed to new listeners
	listeners map[*Listener]struct{}
	final     Event

	dropped atomic.Int64

	// owned by Hub, guarded by Hub.mu
	cancel     context.CancelFunc
	attached   int
	graceTimer *time.Timer
	finishedAt time.Time
}

// Listener is one consumer's view of a Stream.
type Listener struct {
	s      *Stream
	events chan Event
	over   atomic.Bool
}

func newStream(id string, buffer int, cancel context.CancelFunc) *Stream {
	if buffer <= 0 {
		buffer = 32
	}
	return &Stream{
		id:        id,
		buffer:    buffer,
		done:      make(chan struct{}),
		listeners: map[*Listener]struct{}{},
		cancel:    cancel,
	}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Publish offers a progress event to every listener. It reports false
// when the stream already finished or some listener dropped the event.
func (s *Stream) Publish(ev Event) bool {
	if ev.RequestID == "" {
		ev.RequestID = s.id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished() {
		return false
	}

	if len(s.history) == s.buffer {
		s.history = append(s.history[:0], s.history[1:]...)
	}
	s.history = append(s.history, ev)

	delivered := true
	for l := range s.listeners {
		select {
		case l.events <- ev:
		default:
			s.dropped.Add(1)
			delivered = false
		}
	}
	return delivered
}

// Finish records the terminal event. Only the first call has effect.
func (s *Stream) Finish(ev Event) {
	if ev.RequestID == "" {
		ev.RequestID = s.id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished() {
		return
	}
	s.final = ev
	close(s.done)
}

// Done is closed once the terminal event is available.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Final returns the terminal event once the stream has finished.
func (s *Stream) Final() (Event, bool) {
	if !s.finished() {
		return Event{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final, true
}

// Dropped counts progress events listeners missed under backpressure.
func (s *Stream) Dropped() int64 { return s.dropped.Load() }

// Listen registers a consumer. It first receives the recent progress
// events, then live ones, then the terminal event. Close it when done.
func (s *Stream) Listen() *Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &Listener{s: s, events: make(chan Event, len(s.history)+s.buffer)}
	for _, ev := range s.history {
		l.events <- ev
	}
	if !s.finished() {
		s.listeners[l] = struct{}{}
	}
	return l
}

// Close stops delivery to l. Events already buffered stay readable.
func (l *Listener) Close() {
	l.s.mu.Lock()
	delete(l.s.listeners, l)
	l.s.mu.Unlock()
}

// Next returns the next event in order: buffered progress first, then the
// terminal event. After the terminal event it keeps returning it.
func (l *Listener) Next(ctx context.Context) (Event, error) {
	if l.over.Load() {
		ev, _ := l.s.Final()
		return ev, nil
	}
	select {
	case ev := <-l.events:
		return ev, nil
	default:
	}

	select {
	case ev := <-l.events:
		return ev, nil
	case <-l.s.done:
		// Finish and Publish share a lock, so nothing arrives after this drain
		select {
		case ev := <-l.events:
			return ev, nil
		default:
		}
		l.over.Store(true)
		l.Close()
		ev, _ := l.s.Final()
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Finished returns an untracked stream that already holds ev, for replays
// of requests whose live stream has expired.
func Finished(ev Event) *Stream {
	s := newStream(ev.RequestID, 1, nil)
	s.Finish(ev)
	return s
}
