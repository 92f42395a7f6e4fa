// Package governance implements the memory lifecycle: feedback effects,
// policy-driven pruning, the loop-breaker, guardrail aggregation, conflict
// detection, and the maintenance pipeline.
package governance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/service/embedding"
	"github.com/kioku-ai/kioku/internal/storage"
)

// Service runs governance over the store.
type Service struct {
	store    *storage.Store
	embedder *embedding.Service
	logger   *slog.Logger
	defaults model.Policy
}

// NewService creates a governance service with the given default policy.
func NewService(store *storage.Store, embedder *embedding.Service, defaults model.Policy, logger *slog.Logger) *Service {
	return &Service{store: store, embedder: embedder, defaults: defaults, logger: logger}
}

// Defaults returns the configured default policy.
func (s *Service) Defaults() model.Policy { return s.defaults }

// Verdict is the policy engine's decision for one item.
type Verdict struct {
	Target model.Status
	Reason string
}

// Evaluate applies the policy thresholds to one item. A zero Verdict means
// the item stays as it is. Protected items are never touched.
func Evaluate(item *model.MemoryItem, policy model.Policy, now time.Time) Verdict {
	if item.Protected() {
		return Verdict{}
	}

	if item.ErrorCount >= policy.DeleteOnWrongThreshold {
		return safeDelete(item, fmt.Sprintf("error_count %d reached delete threshold %d",
			item.ErrorCount, policy.DeleteOnWrongThreshold))
	}
	if item.ErrorCount >= policy.MaxErrorCount && item.Status == model.StatusActive {
		return Verdict{Target: model.StatusQuarantined,
			Reason: fmt.Sprintf("error_count %d reached max %d", item.ErrorCount, policy.MaxErrorCount)}
	}
	if item.UsefulnessScore <= policy.MinUsefulness {
		return safeDelete(item, fmt.Sprintf("usefulness %.2f at floor %.2f",
			item.UsefulnessScore, policy.MinUsefulness))
	}
	if ageDays := now.Sub(item.LastUsedAt).Hours() / 24; ageDays > float64(policy.MaxAgeDays) {
		if item.Status == model.StatusActive {
			return Verdict{Target: model.StatusQuarantined,
				Reason: fmt.Sprintf("unused for %.0f days (max %d)", ageDays, policy.MaxAgeDays)}
		}
	}
	return Verdict{}
}

// safeDelete maps a delete decision to the type-safe action: decisions are
// deprecated, states stay put pending a manual supersede, everything else
// is soft-deleted.
func safeDelete(item *model.MemoryItem, reason string) Verdict {
	switch item.Kind {
	case model.KindDecision:
		return Verdict{Target: model.StatusDeprecated, Reason: reason + " (decision: deprecated instead of deleted)"}
	case model.KindState:
		return Verdict{}
	default:
		return Verdict{Target: model.StatusDeleted, Reason: reason}
	}
}

// Forget is the explicit soft-delete. It bypasses protection but still
// honors kind safety: decisions deprecate, states deprecate with a
// supersede note, everything else deletes. Links touching the item are
// removed and open conflicts resolved.
func (s *Service) Forget(ctx context.Context, tenant string, id uuid.UUID, reason string) (model.Status, error) {
	item, err := s.store.GetItem(ctx, tenant, id)
	if err != nil {
		return "", fmt.Errorf("governance: forget: %w", err)
	}
	if item.Status == model.StatusDeleted {
		return model.StatusDeleted, nil
	}

	target := model.StatusDeleted
	switch item.Kind {
	case model.KindDecision:
		target = model.StatusDeprecated
		reason += " (decision: deprecated instead of deleted)"
	case model.KindState:
		target = model.StatusDeprecated
		reason += " (state: deprecated, supersede with a new state)"
	}

	if err := s.store.SetStatus(ctx, id, target, reason); err != nil {
		return "", err
	}
	if target == model.StatusDeleted {
		if _, err := s.store.DeleteLinksTouching(ctx, id); err != nil {
			s.logger.Warn("forget: link cleanup failed", "id", id, "error", err)
		}
	}
	if _, err := s.store.ResolveConflictsTouching(ctx, id, "forgotten"); err != nil {
		s.logger.Warn("forget: conflict cleanup failed", "id", id, "error", err)
	}
	return target, nil
}

// GovernanceCounts aggregates lifecycle numbers for the forensic block.
func (s *Service) GovernanceCounts(ctx context.Context, tenant, project string) (model.GovernanceMeta, error) {
	counts, err := s.store.CountByStatus(ctx, tenant, project)
	if err != nil {
		return model.GovernanceMeta{}, err
	}
	var meta model.GovernanceMeta
	for _, c := range counts {
		switch c.Status {
		case model.StatusQuarantined:
			meta.Quarantined = c.Count
		case model.StatusDeleted:
			meta.Deleted = c.Count
		}
	}
	rails, err := s.store.ActiveGuardrails(ctx, tenant, project)
	if err != nil {
		return model.GovernanceMeta{}, err
	}
	meta.GuardrailsActive = len(rails)
	return meta, nil
}

// SuppressedIDs aggregates suppress lists across active, unexpired
// guardrails, deduplicated.
func (s *Service) SuppressedIDs(ctx context.Context, tenant, project string) ([]uuid.UUID, []uuid.UUID, error) {
	rails, err := s.store.ActiveGuardrails(ctx, tenant, project)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[uuid.UUID]bool)
	var suppressed []uuid.UUID
	railIDs := make([]uuid.UUID, 0, len(rails))
	for _, g := range rails {
		railIDs = append(railIDs, g.ID)
		for _, id := range g.SuppressIDs {
			if !seen[id] {
				seen[id] = true
				suppressed = append(suppressed, id)
			}
		}
	}
	return suppressed, railIDs, nil
}
