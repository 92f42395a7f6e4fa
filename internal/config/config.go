// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Storage settings.
	DatabaseURL string // Postgres URL; empty selects the embedded SQLite backend.
	SQLitePath  string // Database file for the SQLite backend.
	Tenant      string // Tenant scope every operation runs under.

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	OllamaURL           string
	OllamaModel         string

	// Governance policy defaults, overridable per call.
	PruneAfter         time.Duration
	DeleteScoreFloor   float64
	LoopThreshold      int
	MaxItemsPerProject int
	QuarantineErrors   int

	// Retrieval settings.
	CacheSize      int
	CacheTTL       time.Duration
	DefaultLimit   int
	MaxGraphHops   int
	LockTimeout    time.Duration
	AuditKeep      int
	ForensicDetail bool // Include weights and temporal constants in forensic metadata.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:         envStr("DATABASE_URL", ""),
		SQLitePath:          envStr("KIOKU_DB_PATH", defaultDBPath()),
		Tenant:              envStr("KIOKU_TENANT", "default"),
		EmbeddingProvider:   envStr("KIOKU_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingModel:      envStr("KIOKU_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: envInt("KIOKU_EMBEDDING_DIMENSIONS", 1024),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		PruneAfter:         envDuration("KIOKU_PRUNE_AFTER", 180*24*time.Hour),
		DeleteScoreFloor:   envFloat("KIOKU_DELETE_SCORE_FLOOR", -5.0),
		LoopThreshold:      envInt("KIOKU_LOOP_THRESHOLD", 3),
		MaxItemsPerProject: envInt("KIOKU_MAX_ITEMS_PER_PROJECT", 500),
		QuarantineErrors:   envInt("KIOKU_QUARANTINE_ERRORS", 3),
		CacheSize:          envInt("KIOKU_CACHE_SIZE", 200),
		CacheTTL:           envDuration("KIOKU_CACHE_TTL", 5*time.Minute),
		DefaultLimit:       envInt("KIOKU_DEFAULT_LIMIT", 10),
		MaxGraphHops:       envInt("KIOKU_MAX_GRAPH_HOPS", 3),
		LockTimeout:        envDuration("KIOKU_LOCK_TIMEOUT", 30*time.Second),
		AuditKeep:          envInt("KIOKU_AUDIT_KEEP", 5000),
		ForensicDetail:     envBool("KIOKU_FORENSIC_VERBOSE", false),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "kioku"),
		LogLevel:           envStr("KIOKU_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: DATABASE_URL or KIOKU_DB_PATH is required")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: KIOKU_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.LoopThreshold <= 0 {
		return fmt.Errorf("config: KIOKU_LOOP_THRESHOLD must be positive")
	}
	if c.MaxItemsPerProject <= 0 {
		return fmt.Errorf("config: KIOKU_MAX_ITEMS_PER_PROJECT must be positive")
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("config: KIOKU_CACHE_SIZE must be positive")
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "kioku.db"
	}
	return home + "/.kioku/kioku.db"
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
