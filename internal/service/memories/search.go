package memories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/kioku-ai/kioku/internal/index"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/rank"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// SearchResponse is the structured result of a memory_search call.
type SearchResponse struct {
	Results       []model.SearchResult `json:"results"`
	Excluded      []model.ExcludedItem `json:"excluded,omitempty"`
	Related       []model.GraphNode    `json:"related,omitempty"`
	Warnings      []string             `json:"warnings,omitempty"`
	EffectiveMode model.EmbeddingMode  `json:"effective_mode"`
	Fallback      string               `json:"embedding_fallback_reason,omitempty"`
	Total         int                  `json:"total"`
}

// Search runs the read pipeline: keyword and vector legs, merge and rank,
// guardrail suppression, the excluded-items sidecar, and optional graph
// expansion of the top hits.
func (s *Service) Search(ctx context.Context, opts model.SearchOptions) (SearchResponse, error) {
	start := time.Now()
	defer func() {
		s.searchDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("mode", string(opts.Mode))))
	}()

	if opts.Project == "" {
		return SearchResponse{}, fmt.Errorf("memories: search: project is required")
	}
	if opts.Tenant == "" {
		opts.Tenant = s.tenant
	}
	if opts.Limit <= 0 {
		opts.Limit = s.defaultLimit
	}
	mode := opts.Mode
	if mode == "" {
		mode = model.ModeHybrid
	}
	if !s.embedder.Available() && mode != model.ModeKeywordOnly {
		mode = model.ModeKeywordOnly
	}

	resp := SearchResponse{EffectiveMode: mode}

	// Empty and stop-word-only queries browse recency instead of matching.
	if len(textutil.Keywords(opts.Query, 3)) == 0 {
		return s.recentFallback(ctx, opts, resp)
	}

	// The legs are independent reads; run them concurrently.
	var (
		kwHits, vecHits []index.Hit
		vecFallback     string
		vecRan          bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		kwHits, err = s.searcher.Keyword(gctx, opts.Tenant, opts.Project, opts.Query, opts.Kinds, opts.Limit*5)
		return err
	})
	if mode != model.ModeKeywordOnly {
		g.Go(func() error {
			embedRes := s.embedder.Embed(gctx, opts.Query)
			if !embedRes.Vector.Valid {
				vecFallback = embedRes.Fallback
				return nil
			}
			vecRan = true
			var err error
			vecHits, err = s.searcher.Vector(gctx, opts.Tenant, opts.Project, embedRes.Vector, opts.Kinds, opts.Tags, opts.Limit*5)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return SearchResponse{}, err
	}
	if mode != model.ModeKeywordOnly && !vecRan {
		// Vector leg unavailable: degrade this query to keyword-only.
		mode = model.ModeKeywordOnly
		resp.EffectiveMode = mode
		resp.Fallback = vecFallback
	}

	items, err := s.hydrate(ctx, opts, kwHits, vecHits)
	if err != nil {
		return SearchResponse{}, err
	}

	suppressed, _, err := s.governance.SuppressedIDs(ctx, opts.Tenant, opts.Project)
	if err != nil {
		return SearchResponse{}, err
	}
	suppressedSet := make(map[uuid.UUID]bool, len(suppressed))
	for _, id := range suppressed {
		suppressedSet[id] = true
	}

	visible := items[:0]
	for _, item := range items {
		if suppressedSet[item.ID] {
			resp.Excluded = append(resp.Excluded, model.ExcludedItem{
				ID: item.ID, Title: item.Title, Reason: "suppressed",
			})
			continue
		}
		if !opts.OverrideQuarantine && item.Status == model.StatusQuarantined {
			resp.Excluded = append(resp.Excluded, model.ExcludedItem{
				ID: item.ID, Title: item.Title, Reason: "quarantined",
			})
			continue
		}
		visible = append(visible, item)
	}

	results := rank.Merge(visible, kwHits, vecHits, mode, opts.Query, time.Now().UTC())
	if opts.Diversify {
		results = rank.Diversify(results, opts.Limit)
	} else if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	resp.Results = results
	resp.Total = len(results)

	if warnings, err := s.governance.ActiveContradictions(ctx, opts.Tenant, opts.Project); err == nil {
		resp.Warnings = warnings
	}

	if opts.MaxHops > 0 && len(results) > 0 {
		hops := opts.MaxHops
		if hops > s.maxGraphHops {
			hops = s.maxGraphHops
		}
		nodes, err := s.graph.Traverse(ctx, opts.Tenant, results[0].Item.ID, hops)
		if err == nil {
			resp.Related = nodes
		}
	}
	return resp, nil
}

// hydrate loads the union of both legs' hits scoped to the query's filters.
func (s *Service) hydrate(ctx context.Context, opts model.SearchOptions, legs ...[]index.Hit) ([]model.MemoryItem, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, leg := range legs {
		for _, h := range leg {
			if !seen[h.ID] {
				seen[h.ID] = true
				ids = append(ids, h.ID)
			}
		}
	}
	items, err := s.store.GetItemsByIDs(ctx, opts.Tenant, ids)
	if err != nil {
		return nil, err
	}

	kindSet := make(map[model.Kind]bool, len(opts.Kinds))
	for _, k := range opts.Kinds {
		kindSet[k] = true
	}
	filtered := items[:0]
	for _, item := range items {
		if item.Project != opts.Project {
			continue
		}
		if len(kindSet) > 0 && !kindSet[item.Kind] {
			continue
		}
		if len(opts.Tags) > 0 && !hasAnyTag(item.Tags, opts.Tags) {
			continue
		}
		switch item.Status {
		case model.StatusActive, model.StatusDeprecated:
		case model.StatusQuarantined:
			// Kept for the excluded sidecar; Search filters it out.
		default:
			continue
		}
		filtered = append(filtered, item)
	}
	return filtered, nil
}

func hasAnyTag(tags model.Tags, want []string) bool {
	for _, t := range want {
		if tags.Contains(textutil.Normalize(t)) {
			return true
		}
	}
	return false
}

// recentFallback serves empty or stop-word-only queries with the most
// recently updated items, ranked by recency alone.
func (s *Service) recentFallback(ctx context.Context, opts model.SearchOptions, resp SearchResponse) (SearchResponse, error) {
	items, err := s.store.RecentItems(ctx, opts.Tenant, opts.Project, opts.Kinds, opts.Limit)
	if err != nil {
		return SearchResponse{}, err
	}
	now := time.Now().UTC()
	for i := range items {
		if len(opts.Tags) > 0 && !hasAnyTag(items[i].Tags, opts.Tags) {
			continue
		}
		class := textutil.ClassifyTemporal(string(items[i].Kind), items[i].Tags)
		recency := textutil.Recency(items[i].UpdatedAt, now, class)
		resp.Results = append(resp.Results, model.SearchResult{
			Item:    items[i],
			Score:   recency,
			Recency: recency,
		})
	}
	resp.Total = len(resp.Results)
	return resp, nil
}
