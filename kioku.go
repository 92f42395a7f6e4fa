// Package kioku is the public API for embedding the memory server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := kioku.New(
//	    kioku.WithVersion(version),
//	    kioku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kioku (root) imports
// internal/*, but internal/* never imports kioku (root).
package kioku

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/kioku-ai/kioku/internal/config"
	"github.com/kioku-ai/kioku/internal/governance"
	"github.com/kioku-ai/kioku/internal/graph"
	"github.com/kioku-ai/kioku/internal/index"
	"github.com/kioku-ai/kioku/internal/mcp"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/embedding"
	"github.com/kioku-ai/kioku/internal/service/memories"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/telemetry"
)

// App is the server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        *storage.Store
	svc          *memories.Service
	mcpServer    *mcp.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It connects to the storage backend, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start serving, call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.tenant != "" {
		cfg.Tenant = o.tenant
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kioku starting", "version", version, "tenant", cfg.Tenant)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := storage.Open(ctx, storage.Options{
		DatabaseURL: cfg.DatabaseURL,
		Path:        cfg.SQLitePath,
		LockTimeout: cfg.LockTimeout,
		Logger:      logger,
	})
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	var embedder *embedding.Service
	if o.embeddingProvider != nil {
		embedder = embedding.NewServiceWith(o.embeddingProvider, logger)
	} else {
		embedder = embedding.NewService(ctx, cfg, logger)
	}

	defaults := policyDefaults(cfg)
	searcher := index.NewSearcher(store, logger)
	gov := governance.NewService(store, embedder, defaults, logger)
	gr := graph.NewService(store, logger)
	svc := memories.NewService(store, searcher, embedder, gov, gr, cfg, logger)

	return &App{
		cfg:          cfg,
		store:        store,
		svc:          svc,
		mcpServer:    mcp.New(svc, version, logger),
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run serves MCP over stdio until ctx is cancelled or stdin closes, then
// shuts the App down.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("serving mcp over stdio",
		"backend", a.store.Backend(),
		"embedding", a.svc.EmbeddingBackend(),
	)

	stdio := mcpserver.NewStdioServer(a.mcpServer.MCPServer())
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && ctx.Err() == nil {
		a.logger.Error("stdio transport failed", "error", err)
	}

	shutdownErr := a.Shutdown()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return shutdownErr
}

// Shutdown checkpoints the database, closes the pool, and flushes
// telemetry. Safe to call once after Run returns.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.logger.Info("kioku shutting down")
	if err := a.store.Checkpoint(ctx); err != nil {
		a.logger.Warn("shutdown checkpoint failed", "error", err)
	}
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("close storage: %w", err)
	}
	if err := a.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("telemetry shutdown: %w", err)
	}
	return firstErr
}

// Service exposes the application core for embedders that want to call the
// memory operations directly instead of going through MCP.
func (a *App) Service() *memories.Service { return a.svc }

// policyDefaults maps configuration to the governance policy engine's
// reference thresholds.
func policyDefaults(cfg config.Config) model.Policy {
	p := model.DefaultPolicy()
	if days := int(cfg.PruneAfter.Hours() / 24); days > 0 {
		p.MaxAgeDays = days
	}
	if cfg.DeleteScoreFloor != 0 {
		p.MinUsefulness = cfg.DeleteScoreFloor
	}
	if cfg.QuarantineErrors > 0 {
		p.MaxErrorCount = cfg.QuarantineErrors
	}
	if cfg.MaxItemsPerProject > 0 {
		p.KeepLastNEpisodes = cfg.MaxItemsPerProject
	}
	if cfg.LoopThreshold > 0 {
		p.QuarantineOnWrongThreshold = cfg.LoopThreshold
	}
	if cfg.AuditKeep > 0 {
		p.AuditKeep = cfg.AuditKeep
	}
	return p
}
