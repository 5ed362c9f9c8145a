package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the process configuration, read once from the environment.
type Config struct {
	Port     string
	GoEnv    string
	LogLevel string
	LogJSON  bool

	LLMProviders       []string
	LLMTemperature     float64
	LLMMaxTokens       int
	LLMProviderTimeout time.Duration
	BreakerFailures    int
	BreakerCooldown    time.Duration
	BreakerMaxCooldown time.Duration
	VertexProject      string
	VertexLocation     string
	VertexModel        string
	MistralAPIKey      string
	MistralModel       string
	GroqAPIKey         string
	GroqModel          string

	STTProvider   string // google | whisper | none
	STTLanguage   string
	TTSProvider   string // google | elevenlabs | none
	TTSVoice      string
	ElevenLabsKey string

	SessionBackend  string // memory | mongo
	SessionTimeout  time.Duration
	ContextMaxTurns int
	ContextMaxChars int

	CacheBackend  string // memory | redis
	CacheTTL      time.Duration
	CacheCapacity int
	EnableCaching bool

	RateLimitBackend   string // memory | redis
	RateLimitPerMinute int
	RateLimitPerHour   int

	MaxAudioBytes       int
	AllowedAudioFormats []string

	STTTimeout     time.Duration
	TTSTimeout     time.Duration
	UploadTimeout  time.Duration
	RequestTimeout time.Duration
	LedgerTTL      time.Duration

	Workers     int
	WorkerQueue int
	ReapEvery   time.Duration

	RealtimeBuffer   int
	DisconnectPolicy string // continue | cancel
	ReconnectGrace   time.Duration

	MongoURI       string
	MongoDB        string
	PostgresURI    string
	RedisAddr      string
	GCSAudioBucket string
	GCSPublic      bool

	JWTSecret string
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Port:     str("PORT", "8080"),
		GoEnv:    str("GO_ENV", "production"),
		LogLevel: strings.ToLower(str("LOG_LEVEL", "info")),
		LogJSON:  boolean("LOG_JSON", true),

		LLMProviders:       list("LLM_PROVIDERS", "vertex,mistral,groq"),
		LLMTemperature:     float("LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:       integer("LLM_MAX_TOKENS", 100),
		LLMProviderTimeout: duration("LLM_PROVIDER_TIMEOUT", 15*time.Second),
		BreakerFailures:    integer("BREAKER_FAILURES", 3),
		BreakerCooldown:    duration("BREAKER_COOLDOWN", 30*time.Second),
		BreakerMaxCooldown: duration("BREAKER_MAX_COOLDOWN", 5*time.Minute),
		VertexProject:      str("GCP_PROJECT", ""),
		VertexLocation:     str("VERTEX_LOCATION", "us-central1"),
		VertexModel:        str("VERTEX_MODEL", "gemini-2.0-flash"),
		MistralAPIKey:      str("MISTRAL_API_KEY", ""),
		MistralModel:       str("MISTRAL_MODEL", "mistral-large-latest"),
		GroqAPIKey:         str("GROQ_API_KEY", ""),
		GroqModel:          str("GROQ_MODEL", "llama-3.3-70b-versatile"),

		STTProvider:   strings.ToLower(str("STT_PROVIDER", "whisper")),
		STTLanguage:   str("STT_LANGUAGE", "en-US"),
		TTSProvider:   strings.ToLower(str("TTS_PROVIDER", "google")),
		TTSVoice:      str("TTS_VOICE", "en-US-Neural2-D"),
		ElevenLabsKey: str("ELEVENLABS_API_KEY", ""),

		SessionBackend:  strings.ToLower(str("SESSION_BACKEND", "memory")),
		SessionTimeout:  duration("SESSION_TIMEOUT", time.Hour),
		ContextMaxTurns: integer("CONTEXT_MAX_TURNS", 12),
		ContextMaxChars: integer("CONTEXT_MAX_CHARS", 6000),

		CacheBackend:  strings.ToLower(str("CACHE_BACKEND", "memory")),
		CacheTTL:      duration("CACHE_TTL", time.Hour),
		CacheCapacity: integer("CACHE_CAPACITY", 1024),
		EnableCaching: boolean("ENABLE_CACHING", true),

		RateLimitBackend:   strings.ToLower(str("RATE_LIMIT_BACKEND", "memory")),
		RateLimitPerMinute: integer("RATE_LIMIT_PER_MINUTE", 30),
		RateLimitPerHour:   integer("RATE_LIMIT_PER_HOUR", 100),

		MaxAudioBytes:       integer("MAX_AUDIO_BYTES", 16<<20),
		AllowedAudioFormats: list("ALLOWED_AUDIO_FORMATS", "wav,mp3,webm,ogg,m4a"),

		STTTimeout:     duration("STT_TIMEOUT", 15*time.Second),
		TTSTimeout:     duration("TTS_TIMEOUT", 15*time.Second),
		UploadTimeout:  duration("UPLOAD_TIMEOUT", 10*time.Second),
		RequestTimeout: duration("REQUEST_TIMEOUT", 60*time.Second),
		LedgerTTL:      duration("REQUEST_LEDGER_TTL", 24*time.Hour),

		Workers:     integer("WORKERS", 8),
		WorkerQueue: integer("WORKER_QUEUE", 64),
		ReapEvery:   duration("REAP_INTERVAL", time.Minute),

		RealtimeBuffer:   integer("REALTIME_BUFFER", 32),
		DisconnectPolicy: strings.ToLower(str("DISCONNECT_POLICY", "continue")),
		ReconnectGrace:   duration("RECONNECT_GRACE", 30*time.Second),

		MongoURI:       str("MONGO_URI", ""),
		MongoDB:        str("MONGO_DB", "voicebot"),
		PostgresURI:    str("POSTGRES_URI", ""),
		RedisAddr:      firstOf("REDIS_ADDR", "REDIS_URI", "REDIS_URL"),
		GCSAudioBucket: str("GCS_AUDIO_BUCKET", ""),
		GCSPublic:      boolean("GCS_PUBLIC", false),

		JWTSecret: str("SUPABASE_JWT_SECRET", ""),
	}
	return c, c.validate()
}

func (c *Config) validate() error {
	switch {
	case len(c.LLMProviders) == 0:
		return fmt.Errorf("LLM_PROVIDERS must name at least one provider")
	case c.SessionBackend == "mongo" && c.MongoURI == "":
		return fmt.Errorf("SESSION_BACKEND=mongo requires MONGO_URI")
	case (c.CacheBackend == "redis" || c.RateLimitBackend == "redis") && c.RedisAddr == "":
		return fmt.Errorf("redis backend requires REDIS_ADDR (or REDIS_URI/REDIS_URL)")
	case c.DisconnectPolicy != "continue" && c.DisconnectPolicy != "cancel":
		return fmt.Errorf("DISCONNECT_POLICY must be continue or cancel, got %q", c.DisconnectPolicy)
	case c.LLMTemperature < 0 || c.LLMTemperature > 2:
		return fmt.Errorf("LLM_TEMPERATURE out of range: %v", c.LLMTemperature)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

func (c *Config) Development() bool { return c.GoEnv == "development" }

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func firstOf(keys ...string) string {
	for _, k := range keys {
		if v := str(k, ""); v != "" {
			return v
		}
	}
	return ""
}

func integer(key string, def int) int {
	v, err := strconv.Atoi(str(key, ""))
	if err != nil {
		return def
	}
	return v
}

func float(key string, def float64) float64 {
	v, err := strconv.ParseFloat(str(key, ""), 64)
	if err != nil {
		return def
	}
	return v
}

func boolean(key string, def bool) bool {
	v, err := strconv.ParseBool(str(key, ""))
	if err != nil {
		return def
	}
	return v
}

// duration accepts Go durations ("30s") or bare seconds ("3600").
func duration(key string, def time.Duration) time.Duration {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func list(key, def string) []string {
	var out []string
	for _, p := range strings.Split(str(key, def), ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
