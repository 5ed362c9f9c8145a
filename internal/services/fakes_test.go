package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spike-crypto/voicebot/internal/cache"
	"github.com/spike-crypto/voicebot/internal/logger"
	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/providers/llm"
	"github.com/spike-crypto/voicebot/internal/providers/stt"
	"github.com/spike-crypto/voicebot/internal/providers/tts"
	"github.com/spike-crypto/voicebot/internal/ratelimit"
	"github.com/spike-crypto/voicebot/internal/realtime"
	"github.com/spike-crypto/voicebot/internal/session"
	"github.com/spike-crypto/voicebot/internal/workers"
)

var errBoom = errors.New("boom")

// fakeLLM answers through respond, or with "re: <last user message>".
type fakeLLM struct {
	id      string
	respond func(ctx context.Context, req llm.Request) (string, error)
	calls   atomic.Int32

	mu   sync.Mutex
	last llm.Request
}

func (f *fakeLLM) ID() string { return f.id }

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.respond != nil {
		text, err := f.respond(ctx, req)
		return llm.Completion{Text: text}, err
	}
	return llm.Completion{Text: "re: " + req.Messages[len(req.Messages)-1].Content}, nil
}

func (f *fakeLLM) Calls() int { return int(f.calls.Load()) }

func (f *fakeLLM) Last() llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// hang blocks until the provider's deadline.
func hang(ctx context.Context, _ llm.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeSTT struct {
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeSTT) Transcribe(_ context.Context, audio []byte, _ string) (stt.Transcript, error) {
	f.calls.Add(1)
	if f.err != nil {
		return stt.Transcript{}, f.err
	}
	if len(audio) == 0 {
		return stt.Transcript{}, stt.ErrEmptyAudio
	}
	return stt.Transcript{Text: f.text, Confidence: 0.9}, nil
}

func (f *fakeSTT) Close() error { return nil }

type fakeTTS struct {
	err   error
	calls atomic.Int32
}

func (f *fakeTTS) ID() string { return "fake-tts" }

func (f *fakeTTS) Synthesize(_ context.Context, text, voice string) (tts.Audio, error) {
	f.calls.Add(1)
	if f.err != nil {
		return tts.Audio{}, f.err
	}
	return tts.Audio{Data: []byte("mp3:" + text), Format: "mp3", Voice: voice}, nil
}

func (f *fakeTTS) Close() error { return nil }

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, name, _ string, r io.Reader) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[name] = b
	return "https://storage.test/" + name, nil
}

type harnessOpts struct {
	rule         ratelimit.Rule
	chainTimeout time.Duration
	providers    []*fakeLLM
	noCache        bool
	workers        int
	requestTimeout time.Duration
}

type harness struct {
	orch    Orchestrator
	store   *session.MemoryStore
	ledger  RequestLedger
	cache   *cache.MemoryCache
	hub     *realtime.Hub
	stt     *fakeSTT
	tts     *fakeTTS
	up      *fakeUploader
	primary *fakeLLM
	backup  *fakeLLM
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()

	if o.rule.Limit == 0 {
		o.rule = ratelimit.Rule{Limit: 100, Window: time.Minute}
	}
	if o.chainTimeout == 0 {
		o.chainTimeout = 2 * time.Second
	}
	if o.providers == nil {
		o.providers = []*fakeLLM{{id: "primary"}, {id: "backup"}}
	}
	if o.workers == 0 {
		o.workers = 4
	}
	if o.requestTimeout == 0 {
		o.requestTimeout = 10 * time.Second
	}

	log := logger.Discard()
	h := &harness{
		store:  session.NewMemoryStore(time.Hour),
		ledger: NewMemoryLedger(time.Hour),
		cache:  cache.NewMemoryCache(128),
		hub:    realtime.NewHub(realtime.Config{Buffer: 64, Grace: time.Minute}, log),
		stt:    &fakeSTT{text: "tell me about yourself"},
		tts:    &fakeTTS{},
		up:     &fakeUploader{},
	}
	h.primary = o.providers[0]
	if len(o.providers) > 1 {
		h.backup = o.providers[1]
	}
	providers := make([]llm.Provider, len(o.providers))
	for i, p := range o.providers {
		providers[i] = p
	}

	pool := &workers.Pool{NumWorkers: o.workers, QueueSize: 32, Logger: log}
	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("pool start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		pool.Stop()
		h.hub.Close()
	})

	h.orch = NewOrchestrator(OrchestratorDeps{
		Limiter:   ratelimit.NewMemoryLimiter([]ratelimit.Rule{o.rule}),
		Sessions:  h.store,
		Sequencer: session.NewSequencer(8),
		Ledger:    h.ledger,
		Chain:     llm.NewChain(llm.BreakerConfig{Failures: 3, Cooldown: time.Minute}, providers, llm.WithTimeout(o.chainTimeout), llm.WithLogger(log)),
		Persona:   NewPersonaService(nil, log),
		Hub:       h.hub,
		Pool:      pool,
		STT:       h.stt,
		TTS:       h.tts,
		Memo:      cache.NewMemo(h.cache, log),
		Uploader:  h.up,
		Logger:    log,
	}, OrchestratorConfig{
		Temperature:    0.7,
		MaxTokens:      150,
		Window:         session.Window{MaxTurns: 10},
		EnableCaching:  !o.noCache,
		CacheTTL:       time.Hour,
		RequestTimeout: o.requestTimeout,
		Voice:          "en-US-Neural2-D",
	})
	return h
}

func (h *harness) newSession(t *testing.T) string {
	t.Helper()
	s, err := h.store.Create(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s.SessionID
}

func (h *harness) turns(t *testing.T, sessionID string) []models.Turn {
	t.Helper()
	s, err := h.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return s.Turns
}
