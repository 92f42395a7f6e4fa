package kioku

import (
	"log/slog"

	"github.com/kioku-ai/kioku/internal/service/embedding"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported, callers use the With* functions.
type resolvedOptions struct {
	databaseURL       string
	sqlitePath        string
	tenant            string
	logger            *slog.Logger
	version           string
	embeddingProvider embedding.Provider
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the embedded database file location from config
// (KIOKU_DB_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithTenant overrides the tenant scope from config (KIOKU_TENANT env var).
func WithTenant(tenant string) Option {
	return func(o *resolvedOptions) { o.tenant = tenant }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported over MCP and in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama/OpenAI/noop).
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}
