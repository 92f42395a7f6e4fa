package memories

import (
	"context"
	"strings"
	"time"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
)

// StatsResponse is the structured result of a memory_stats call.
type StatsResponse struct {
	Project          string                 `json:"project,omitempty"`
	ByKind           []storage.KindCount    `json:"by_kind"`
	ByStatus         []storage.StatusCount  `json:"by_status"`
	Scores           storage.UsefulnessStats `json:"scores"`
	Guardrails       []model.Guardrail      `json:"guardrails,omitempty"`
	Mistakes         []model.Mistake        `json:"mistakes,omitempty"`
	FormatCompliance map[string]float64     `json:"format_compliance"`
	Versions         map[string]int         `json:"version_distribution"`
	DatabaseBytes    int64                  `json:"database_bytes"`
	CacheHits        int64                  `json:"cache_hits"`
	CacheMisses      int64                  `json:"cache_misses"`
	AuditTools       map[string]int         `json:"audit_tools,omitempty"`
	AuditErrors      int                    `json:"audit_errors"`
	StaleItems       int                    `json:"stale_items"`
	NegativeItems    int                    `json:"negative_items"`
}

// Stats aggregates health and usage analytics for a project (or for the
// whole tenant when project is empty, using the counts that make sense
// without a scope).
func (s *Service) Stats(ctx context.Context, project string) (StatsResponse, error) {
	resp := StatsResponse{
		Project:          project,
		FormatCompliance: map[string]float64{},
		Versions:         map[string]int{},
	}
	resp.CacheHits, resp.CacheMisses = s.items.Stats()

	if size, err := s.store.DatabaseSize(ctx); err == nil {
		resp.DatabaseBytes = size
	}
	if project == "" {
		return resp, nil
	}

	var err error
	if resp.ByKind, err = s.store.CountByKind(ctx, s.tenant, project); err != nil {
		return resp, err
	}
	if resp.ByStatus, err = s.store.CountByStatus(ctx, s.tenant, project); err != nil {
		return resp, err
	}
	if resp.Scores, err = s.store.ScoreStats(ctx, s.tenant, project); err != nil {
		return resp, err
	}
	if resp.Guardrails, err = s.store.ActiveGuardrails(ctx, s.tenant, project); err != nil {
		return resp, err
	}
	if resp.Mistakes, err = s.store.RepeatedMistakes(ctx, s.tenant, project, 2, 30*24*time.Hour); err != nil {
		return resp, err
	}

	policy := s.governance.Defaults()
	cutoff := time.Now().UTC().Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
	stale, err := s.store.StaleItems(ctx, s.tenant, project, cutoff, 1.0)
	if err != nil {
		return resp, err
	}
	resp.StaleItems = len(stale)
	negative, err := s.store.NegativeItems(ctx, s.tenant, project, 0)
	if err != nil {
		return resp, err
	}
	resp.NegativeItems = len(negative)

	items, err := s.store.ListItems(ctx, storage.ItemFilter{
		Tenant: s.tenant, Project: project,
	}, "updated_at", "DESC", 200, 0)
	if err != nil {
		return resp, err
	}
	resp.FormatCompliance = formatCompliance(items)
	for _, item := range items {
		switch {
		case item.Version == 1:
			resp.Versions["v1"]++
		case item.Version <= 3:
			resp.Versions["v2-3"]++
		default:
			resp.Versions["v4+"]++
		}
	}

	audits, err := s.store.RecentAudit(ctx, s.tenant, project, 200)
	if err != nil {
		return resp, err
	}
	resp.AuditTools = make(map[string]int)
	for _, rec := range audits {
		resp.AuditTools[rec.Tool]++
		if rec.IsError {
			resp.AuditErrors++
		}
	}
	return resp, nil
}

// formatCompliance measures how many runbooks and episodes satisfy their
// content contracts.
func formatCompliance(items []model.MemoryItem) map[string]float64 {
	var runbooks, runbooksOK, episodes, episodesOK int
	for _, item := range items {
		lower := strings.ToLower(item.Content)
		switch item.Kind {
		case model.KindRunbook:
			runbooks++
			if strings.Contains(lower, "command:") && strings.Contains(lower, "step") {
				runbooksOK++
			}
		case model.KindEpisode:
			episodes++
			if strings.Contains(lower, "command:") && strings.Contains(lower, "## outcome") {
				episodesOK++
			}
		}
	}
	out := map[string]float64{}
	if runbooks > 0 {
		out["runbook"] = float64(runbooksOK) / float64(runbooks)
	}
	if episodes > 0 {
		out["episode"] = float64(episodesOK) / float64(episodes)
	}
	return out
}
