package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database: postgres:// URL or SQLite file path
	DatabaseURL string

	// Queue
	QueueBackend            string // auto | polling | broker
	BrokerURL               string // Redis URL; selects the broker backend in auto mode
	QueuePrefix             string
	WorkerConcurrency       int
	StaleJobTimeout         time.Duration
	ReclaimInterval         time.Duration
	PollInterval            time.Duration
	BrokerVisibilityTimeout time.Duration
	BrokerDedupeTTL         time.Duration

	// Generation
	ProviderMaxAttempts    int
	ProviderRetryBaseDelay time.Duration
	ContinuityThreshold    float64
	ContinuityScorer       string // heuristic | openai
	DefaultModelKey        string
	DefaultFilmType        string
	DefaultClipSeconds     int

	// xAI (video generation via Grok Imagine Video)
	XAIEnabled bool
	XAIAPIKey  string

	// Veo (video generation via Gemini API)
	VeoEnabled bool
	GeminiKey  string
	VeoModel   string

	// OpenAI (continuity judge, prompt layer seeding)
	OpenAIKey   string
	OpenAIModel string

	// Storage
	StorageProvider       string // local | supabase
	StorageDir            string
	StoragePublicURL      string
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Compilation
	OutputDir      string
	TempDir        string
	NormalizeClips bool

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A .env file is loaded if
// present, and CONFIG_FILE may name a YAML file of KEY: value pairs that
// fills in anything the environment leaves unset.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	file, err := readOverlay(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	return load(func(key string) string {
		if value := os.Getenv(key); value != "" {
			return value
		}
		return file[key]
	})
}

func readOverlay(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return values, nil
}

func load(lookup func(string) string) (*Config, error) {
	e := env{lookup: lookup}

	cfg := &Config{
		APIPort:            e.str("API_PORT", "8080"),
		WorkerEnabled:      e.boolean("WORKER_ENABLED", true),
		BackendAPIKey:      e.str("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: e.str("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        e.str("DATABASE_URL", "data/storyreel.db"),

		QueueBackend:            strings.ToLower(e.str("QUEUE_BACKEND", "auto")),
		BrokerURL:               e.str("BROKER_URL", ""),
		QueuePrefix:             e.str("QUEUE_PREFIX", "storyreel"),
		WorkerConcurrency:       e.integer("WORKER_CONCURRENCY", 2),
		StaleJobTimeout:         time.Duration(e.integer("STALE_JOB_TIMEOUT_MS", 600000)) * time.Millisecond,
		ReclaimInterval:         e.duration("RECLAIM_INTERVAL", time.Minute),
		PollInterval:            e.duration("POLL_INTERVAL", 2*time.Second),
		BrokerVisibilityTimeout: e.duration("BROKER_VISIBILITY_TIMEOUT", 15*time.Minute),
		BrokerDedupeTTL:         e.duration("BROKER_DEDUPE_TTL", 24*time.Hour),

		ProviderMaxAttempts:    e.integer("PROVIDER_MAX_ATTEMPTS", 3),
		ProviderRetryBaseDelay: e.duration("PROVIDER_RETRY_BASE_DELAY", 2*time.Second),
		ContinuityThreshold:    e.float("CONTINUITY_THRESHOLD", 0.75),
		ContinuityScorer:       strings.ToLower(e.str("CONTINUITY_SCORER", "heuristic")),
		DefaultModelKey:        e.str("DEFAULT_MODEL_KEY", "grok-imagine-video"),
		DefaultFilmType:        e.str("DEFAULT_FILM_TYPE", "cinematic"),
		DefaultClipSeconds:     e.integer("DEFAULT_CLIP_SECONDS", 8),

		XAIEnabled: e.boolean("XAI_VIDEO_ENABLED", false),
		XAIAPIKey:  e.str("XAI_API_KEY", ""),
		VeoEnabled: e.boolean("VEO_ENABLED", false),
		GeminiKey:  e.str("GEMINI_API_KEY", ""),
		VeoModel:   e.str("VEO_MODEL", "veo-3.1-generate-preview"),

		OpenAIKey:   e.str("OPENAI_API_KEY", ""),
		OpenAIModel: e.str("OPENAI_MODEL", "gpt-4o-mini"),

		StorageProvider:       strings.ToLower(e.str("STORAGE_PROVIDER", "local")),
		StorageDir:            e.str("STORAGE_DIR", "data/storage"),
		StoragePublicURL:      e.str("STORAGE_PUBLIC_URL", ""),
		SupabaseURL:           e.str("SUPABASE_URL", ""),
		SupabaseServiceKey:    e.str("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: e.str("SUPABASE_STORAGE_BUCKET", "storyreel"),

		OutputDir:      e.str("OUTPUT_DIR", "data/films"),
		TempDir:        e.str("TEMP_DIR", "/tmp/storyreel"),
		NormalizeClips: e.boolean("NORMALIZE_CLIPS", true),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "json"),
	}

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(e.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field rules.
func (c *Config) Validate() error {
	switch c.QueueBackend {
	case "auto", "polling":
	case "broker":
		if c.BrokerURL == "" {
			return fmt.Errorf("QUEUE_BACKEND=broker requires BROKER_URL")
		}
	default:
		return fmt.Errorf("QUEUE_BACKEND must be auto, polling or broker, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.StaleJobTimeout <= 0 {
		return fmt.Errorf("STALE_JOB_TIMEOUT_MS must be positive")
	}
	if c.ContinuityThreshold < 0 || c.ContinuityThreshold > 1 {
		return fmt.Errorf("CONTINUITY_THRESHOLD must be between 0 and 1, got %v", c.ContinuityThreshold)
	}
	if c.ProviderMaxAttempts < 1 {
		return fmt.Errorf("PROVIDER_MAX_ATTEMPTS must be at least 1")
	}

	switch c.ContinuityScorer {
	case "heuristic":
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("CONTINUITY_SCORER=openai requires OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("CONTINUITY_SCORER must be heuristic or openai, got %q", c.ContinuityScorer)
	}

	switch c.StorageProvider {
	case "local":
	case "supabase":
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
		}
	default:
		return fmt.Errorf("STORAGE_PROVIDER must be local or supabase, got %q", c.StorageProvider)
	}

	if c.XAIEnabled && c.XAIAPIKey == "" {
		return fmt.Errorf("XAI_VIDEO_ENABLED requires XAI_API_KEY")
	}
	if c.VeoEnabled && c.GeminiKey == "" {
		return fmt.Errorf("VEO_ENABLED requires GEMINI_API_KEY")
	}

	return nil
}

// env reads typed values and collects parse failures instead of silently
// falling back to defaults.
type env struct {
	lookup func(string) string
	errs   []string
}

func (e *env) str(key, defaultValue string) string {
	if value := strings.TrimSpace(e.lookup(key)); value != "" {
		return value
	}
	return defaultValue
}

func (e *env) boolean(key string, defaultValue bool) bool {
	value := e.str(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a boolean", key, value))
		return defaultValue
	}
	return b
}

func (e *env) integer(key string, defaultValue int) int {
	value := e.str(key, "")
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return i
}

func (e *env) float(key string, defaultValue float64) float64 {
	value := e.str(key, "")
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, value))
		return defaultValue
	}
	return f
}

func (e *env) duration(key string, defaultValue time.Duration) time.Duration {
	value := e.str(key, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a duration", key, value))
		return defaultValue
	}
	return d
}
