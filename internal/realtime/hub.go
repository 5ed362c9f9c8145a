package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DisconnectPolicy decides what happens to in-flight work when its last
// listener goes away.
type DisconnectPolicy string

const (
	// PolicyContinue lets the pipeline run to completion; a reconnect
	// within the grace period still gets the result.
	PolicyContinue DisconnectPolicy = "continue"
	// PolicyCancel cancels the pipeline if nobody reattaches within the
	// grace period.
	PolicyCancel DisconnectPolicy = "cancel"
)

var ErrUnknownRequest = errors.New("unknown or expired request id")

type Config struct {
	Buffer int
	Grace  time.Duration
	Policy DisconnectPolicy
}

// Hub tracks in-flight and recently finished streams by request id.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*Stream
	cfg     Config
	logger  *logrus.Logger
	closed  bool
}

func NewHub(cfg Config, logger *logrus.Logger) *Hub {
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyContinue
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{streams: map[string]*Stream{}, cfg: cfg, logger: logger}
}

func (h *Hub) Policy() DisconnectPolicy { return h.cfg.Policy }

// Open registers a stream for requestID with one listener attached. If a
// live stream already exists it is attached to instead and created is
// false; the caller must not start the work again. A finished stream
// retained from an earlier attempt is replaced.
func (h *Hub) Open(requestID string, cancel context.CancelFunc) (s *Stream, created bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.streams[requestID]; ok {
		if s.finishedAt.IsZero() {
			h.attachLocked(s)
			return s, false
		}
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
	}
	s = newStream(requestID, h.cfg.Buffer, cancel)
	s.attached = 1
	h.streams[requestID] = s
	return s, true
}

// Attach adds a listener to an existing stream, stopping any pending
// cancel or expiry.
func (h *Hub) Attach(requestID string) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[requestID]
	if !ok {
		return nil, ErrUnknownRequest
	}
	h.attachLocked(s)
	return s, nil
}

func (h *Hub) attachLocked(s *Stream) {
	s.attached++
	if s.graceTimer != nil && s.finishedAt.IsZero() {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

// Detach removes a listener. When the last one leaves an unfinished
// stream under PolicyCancel, the work is cancelled after the grace period
// unless someone reattaches first.
func (h *Hub) Detach(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.attached > 0 {
		s.attached--
	}
	if s.attached > 0 || !s.finishedAt.IsZero() || h.cfg.Policy != PolicyCancel {
		return
	}
	if _, done := s.Final(); done {
		return
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(h.cfg.Grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s.attached == 0 && s.finishedAt.IsZero() && s.cancel != nil {
			h.logger.WithField("request_id", s.id).Info("listener gone past grace period, cancelling")
			s.cancel()
		}
	})
}

// Finish publishes the terminal event and keeps the stream around for
// the grace period so a reconnect can still read it.
func (h *Hub) Finish(s *Stream, ev Event) {
	s.Finish(ev)

	h.mu.Lock()
	defer h.mu.Unlock()
	if !s.finishedAt.IsZero() {
		return
	}
	s.finishedAt = time.Now()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	if h.closed {
		delete(h.streams, s.id)
		return
	}
	s.graceTimer = time.AfterFunc(h.cfg.Grace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.streams[s.id] == s {
			delete(h.streams, s.id)
		}
	})
}

// Len reports tracked streams, in flight or retained.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// Close stops every timer and cancels unfinished work.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.streams {
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		if s.finishedAt.IsZero() && s.cancel != nil {
			s.cancel()
		}
		delete(h.streams, id)
	}
}
