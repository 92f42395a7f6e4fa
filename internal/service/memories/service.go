// Package memories orchestrates the tool surface: the upsert pipeline,
// hybrid search, feedback, forget, summarize, maintain, list, stats, and
// reflect. It owns the per-project write discipline and the forensic
// metadata attached to every response.
package memories

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/kioku-ai/kioku/internal/cache"
	"github.com/kioku-ai/kioku/internal/config"
	"github.com/kioku-ai/kioku/internal/governance"
	"github.com/kioku-ai/kioku/internal/graph"
	"github.com/kioku-ai/kioku/internal/index"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/embedding"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/telemetry"
)

// maintenanceWarnEvery is how many successful writes pass between
// maintenance recommendations.
const maintenanceWarnEvery = 50

// Service is the application core behind the MCP tool handlers.
type Service struct {
	store      *storage.Store
	searcher   *index.Searcher
	embedder   *embedding.Service
	governance *governance.Service
	graph      *graph.Service
	items      *cache.Cache[model.MemoryItem]
	logger     *slog.Logger

	searchDuration metric.Float64Histogram

	tenant         string
	defaultLimit   int
	maxGraphHops   int
	forensicDetail bool
}

// NewService wires the core together.
func NewService(
	store *storage.Store,
	searcher *index.Searcher,
	embedder *embedding.Service,
	gov *governance.Service,
	gr *graph.Service,
	cfg config.Config,
	logger *slog.Logger,
) *Service {
	meter := telemetry.Meter("kioku/memories")
	searchDuration, _ := meter.Float64Histogram("kioku.search.duration",
		metric.WithDescription("Search pipeline duration"),
		metric.WithUnit("s"),
	)
	return &Service{
		searchDuration: searchDuration,
		store:          store,
		searcher:       searcher,
		embedder:       embedder,
		governance:     gov,
		graph:          gr,
		items:          cache.New[model.MemoryItem](cfg.CacheSize, cfg.CacheTTL),
		logger:         logger,
		tenant:         cfg.Tenant,
		defaultLimit:   cfg.DefaultLimit,
		maxGraphHops:   cfg.MaxGraphHops,
		forensicDetail: cfg.ForensicDetail,
	}
}

// Tenant returns the tenant scope the service runs under.
func (s *Service) Tenant() string { return s.tenant }

// Governance exposes the governance service for handlers that call it
// directly (feedback, forget, maintain).
func (s *Service) Governance() *governance.Service { return s.governance }

// Graph exposes the graph service.
func (s *Service) Graph() *graph.Service { return s.graph }

// Store exposes the storage layer for handlers needing direct reads.
func (s *Service) Store() *storage.Store { return s.store }

// EmbeddingBackend reports which embedding provider is active.
func (s *Service) EmbeddingBackend() string { return s.embedder.Backend() }

func itemCacheKey(id uuid.UUID) string { return "item:" + id.String() }

// invalidateItem drops an item from the read cache after any write.
func (s *Service) invalidateItem(id uuid.UUID) {
	s.items.Delete(itemCacheKey(id))
}

// InvalidateAll clears the read cache. Called after maintenance.
func (s *Service) InvalidateAll() {
	s.items.Invalidate()
}

// bumpMaintenanceCounter increments the per-project write counter and
// returns a recommendation string every fifty writes.
func (s *Service) bumpMaintenanceCounter(ctx context.Context, project string) string {
	n, err := s.store.IncrMeta(ctx, "maintenance_counter:"+project, 1)
	if err != nil {
		s.logger.Warn("maintenance counter bump failed", "project", project, "error", err)
		return ""
	}
	if n%maintenanceWarnEvery == 0 {
		return "project has accumulated " + strconv.Itoa(n) +
			" writes since startup; consider running memory_maintain"
	}
	return ""
}
