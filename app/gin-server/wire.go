package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spike-crypto/voicebot/config"
	"github.com/spike-crypto/voicebot/internal/api/handlers"
	"github.com/spike-crypto/voicebot/internal/api/middleware"
	"github.com/spike-crypto/voicebot/internal/api/routes"
	"github.com/spike-crypto/voicebot/internal/cache"
	"github.com/spike-crypto/voicebot/internal/providers/llm"
	"github.com/spike-crypto/voicebot/internal/providers/stt"
	"github.com/spike-crypto/voicebot/internal/providers/tts"
	"github.com/spike-crypto/voicebot/internal/ratelimit"
	"github.com/spike-crypto/voicebot/internal/realtime"
	mongorepo "github.com/spike-crypto/voicebot/internal/repositories/mongo"
	pgrepo "github.com/spike-crypto/voicebot/internal/repositories/postgres"
	"github.com/spike-crypto/voicebot/internal/services"
	"github.com/spike-crypto/voicebot/internal/session"
	"github.com/spike-crypto/voicebot/internal/storage"
	"github.com/spike-crypto/voicebot/internal/workers"
)

type app struct {
	router  *gin.Engine
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) closeWith(log *logrus.Logger, name string, c io.Closer) {
	a.closers = append(a.closers, func() {
		if err := c.Close(); err != nil {
			log.WithError(err).WithField("component", name).Warn("close failed")
		}
	})
}

func build(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	var rdb *redis.Client
	if cfg.CacheBackend == "redis" || cfg.RateLimitBackend == "redis" {
		c, err := config.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return fail(fmt.Errorf("redis: %w", err))
		}
		rdb = c
		a.closeWith(log, "redis", rdb)
		log.Info("redis connected")
	}

	// sessions and request ledger
	var (
		store  session.Store = session.NewMemoryStore(cfg.SessionTimeout)
		ledger               = services.NewMemoryLedger(cfg.LedgerTTL)
	)
	if cfg.SessionBackend == "mongo" {
		client, err := config.NewMongo(ctx, cfg.MongoURI)
		if err != nil {
			return fail(fmt.Errorf("mongo: %w", err))
		}
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		db := client.Database(cfg.MongoDB)
		if err := config.EnsureMongoIndexes(ctx, db); err != nil {
			return fail(fmt.Errorf("mongo indexes: %w", err))
		}
		store = mongorepo.NewSessionStore(db, cfg.SessionTimeout)
		ledger = mongorepo.NewRequestRepo(db, cfg.LedgerTTL)
		log.Info("mongo connected")
	}

	// archive and persona
	var (
		archive     services.ConversationService
		personaRepo pgrepo.PersonaRepository
	)
	if cfg.PostgresURI != "" {
		gdb, err := config.NewPostgres(cfg.PostgresURI)
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		if sqlDB, err := gdb.DB(); err == nil {
			a.closeWith(log, "postgres", sqlDB)
		}
		archive = services.NewConversationService(pgrepo.NewConversationRepo(gdb))
		personaRepo = pgrepo.NewPersonaRepo(gdb)
		log.Info("postgres connected")
	}
	persona := services.NewPersonaService(personaRepo, log)

	providers, err := buildLLMs(ctx, cfg, log, a)
	if err != nil {
		return fail(err)
	}
	chain := llm.NewChain(llm.BreakerConfig{
		Failures:    cfg.BreakerFailures,
		Cooldown:    cfg.BreakerCooldown,
		MaxCooldown: cfg.BreakerMaxCooldown,
	}, providers, llm.WithTimeout(cfg.LLMProviderTimeout), llm.WithLogger(log))

	var recognizer stt.Provider
	switch cfg.STTProvider {
	case "google":
		g, err := stt.NewGoogleSpeech(ctx, cfg.STTLanguage)
		if err != nil {
			return fail(fmt.Errorf("google speech: %w", err))
		}
		a.closeWith(log, "stt", g)
		recognizer = g
	case "whisper":
		lang, _, _ := strings.Cut(cfg.STTLanguage, "-")
		recognizer = stt.NewWhisper(stt.WithAPIKey(cfg.GroqAPIKey), stt.WithLanguage(lang))
	}

	var speaker tts.Provider
	switch cfg.TTSProvider {
	case "google":
		g, err := tts.NewGoogleTTS(ctx, cfg.STTLanguage, cfg.TTSVoice)
		if err != nil {
			return fail(fmt.Errorf("google tts: %w", err))
		}
		a.closeWith(log, "tts", g)
		speaker = g
	case "elevenlabs":
		speaker = tts.NewElevenLabs(tts.WithAPIKey(cfg.ElevenLabsKey), tts.WithVoice(cfg.TTSVoice))
	}

	var uploader storage.Uploader
	if cfg.GCSAudioBucket != "" {
		up, err := storage.NewGCSUploader(ctx, cfg.GCSAudioBucket)
		if err != nil {
			return fail(fmt.Errorf("gcs: %w", err))
		}
		up.Public = cfg.GCSPublic
		a.closeWith(log, "gcs", up)
		uploader = up
	}

	// cache and rate limits
	var (
		backing    cache.Cache
		limiter    ratelimit.Limiter
		cacheSweep workers.Sweeper
		rateSweep  workers.Sweeper
	)
	if cfg.CacheBackend == "redis" {
		backing = cache.NewRedisCache(rdb, "voicebot:cache:")
	} else {
		mem := cache.NewMemoryCache(cfg.CacheCapacity)
		backing, cacheSweep = mem, mem
	}
	rules := []ratelimit.Rule{
		{Limit: cfg.RateLimitPerMinute, Window: time.Minute},
		{Limit: cfg.RateLimitPerHour, Window: time.Hour},
	}
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedisLimiter(rdb, "voicebot:rl:", rules)
	} else {
		mem := ratelimit.NewMemoryLimiter(rules)
		limiter, rateSweep = mem, mem
	}

	hub := realtime.NewHub(realtime.Config{
		Buffer: cfg.RealtimeBuffer,
		Grace:  cfg.ReconnectGrace,
		Policy: realtime.DisconnectPolicy(cfg.DisconnectPolicy),
	}, log)
	a.closers = append(a.closers, hub.Close)

	workCtx, cancelWork := context.WithCancel(context.Background())
	pool := &workers.Pool{NumWorkers: cfg.Workers, QueueSize: cfg.WorkerQueue, Logger: log}
	if err := pool.Start(workCtx); err != nil {
		cancelWork()
		return fail(err)
	}
	// drain in-flight turns, then stop background work
	a.closers = append(a.closers, func() {
		pool.Stop()
		cancelWork()
	})

	reaper := &workers.Reaper{
		Interval: cfg.ReapEvery,
		Logger:   log,
		Sweepers: map[string]workers.Sweeper{"sessions": store, "requests": ledger},
	}
	if rateSweep != nil {
		reaper.Sweepers["ratelimit"] = rateSweep
	}
	if cacheSweep != nil {
		reaper.Sweepers["cache"] = cacheSweep
	}
	reaper.Start(workCtx)

	orch := services.NewOrchestrator(services.OrchestratorDeps{
		Limiter:   limiter,
		Sessions:  store,
		Sequencer: session.NewSequencer(64),
		Ledger:    ledger,
		Chain:     chain,
		Persona:   persona,
		Hub:       hub,
		Pool:      pool,
		STT:       recognizer,
		TTS:       speaker,
		Memo:      cache.NewMemo(backing, log),
		Uploader:  uploader,
		Archive:   archive,
		Logger:    log,
	}, services.OrchestratorConfig{
		Temperature:    cfg.LLMTemperature,
		MaxTokens:      cfg.LLMMaxTokens,
		Window:         session.Window{MaxTurns: cfg.ContextMaxTurns, MaxChars: cfg.ContextMaxChars},
		EnableCaching:  cfg.EnableCaching,
		CacheTTL:       cfg.CacheTTL,
		RequestTimeout: cfg.RequestTimeout,
		STTTimeout:     cfg.STTTimeout,
		TTSTimeout:     cfg.TTSTimeout,
		UploadTimeout:  cfg.UploadTimeout,
		MaxAudioBytes:  cfg.MaxAudioBytes,
		AllowedFormats: cfg.AllowedAudioFormats,
		Voice:          cfg.TTSVoice,
	})

	sessions := services.NewSessionService(store)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	routes.RegisterRoutes(r, routes.Deps{
		Session:      handlers.NewSessionHandler(sessions),
		Turn:         handlers.NewTurnHandler(orch, cfg.MaxAudioBytes),
		Conversation: handlers.NewConversationHandler(archive),
		WS:           handlers.NewWSHandler(orch, sessions, log, cfg.MaxAudioBytes, nil),
		Admin:        handlers.NewAdminHandler(chain, persona),
		Auth:         middleware.AuthConfig{Secret: cfg.JWTSecret},
	})
	a.router = r

	log.WithFields(logrus.Fields{
		"llm":      chain.IDs(),
		"stt":      cfg.STTProvider,
		"tts":      cfg.TTSProvider,
		"sessions": cfg.SessionBackend,
		"cache":    cfg.CacheBackend,
		"policy":   hub.Policy(),
	}).Info("pipeline ready")
	return a, nil
}

// buildLLMs returns providers in LLM_PROVIDERS order, skipping any that
// lack credentials.
func buildLLMs(ctx context.Context, cfg *config.Config, log *logrus.Logger, a *app) ([]llm.Provider, error) {
	var out []llm.Provider
	for _, name := range cfg.LLMProviders {
		switch name {
		case "vertex":
			if cfg.VertexProject == "" {
				log.Warn("vertex skipped: GCP_PROJECT not set")
				continue
			}
			v, err := llm.NewVertexGemini(ctx, cfg.VertexProject, cfg.VertexLocation, cfg.VertexModel)
			if err != nil {
				return nil, fmt.Errorf("vertex: %w", err)
			}
			a.closeWith(log, "vertex", v)
			out = append(out, v)
		case "mistral":
			if cfg.MistralAPIKey == "" {
				log.Warn("mistral skipped: MISTRAL_API_KEY not set")
				continue
			}
			out = append(out, llm.NewMistral(cfg.MistralAPIKey, cfg.MistralModel))
		case "groq":
			if cfg.GroqAPIKey == "" {
				log.Warn("groq skipped: GROQ_API_KEY not set")
				continue
			}
			out = append(out, llm.NewGroq(cfg.GroqAPIKey, cfg.GroqModel))
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no llm provider configured")
	}
	return out, nil
}
