package memories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// UpsertResponse is the structured result of a memory_upsert batch.
type UpsertResponse struct {
	Results            []model.UpsertOutcome `json:"results"`
	Warnings           []string              `json:"warnings,omitempty"`
	MaintenanceWarning string                `json:"maintenance_warning,omitempty"`
	EmbeddingFallback  string                `json:"embedding_fallback_reason,omitempty"`
}

// FormatError is the structured hard-block raised when runbook or episode
// content is missing its required sections.
type FormatError struct {
	Offenders []string
	Hint      string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format policy violation for %s; %s",
		strings.Join(e.Offenders, ", "), e.Hint)
}

const (
	baseScoreFactRunbook = 0.5
	baseScoreOther       = 0.2
	successBonus         = 1.0
	failurePenalty       = -0.5

	fuzzyBestThreshold   = 0.60
	fuzzySecondThreshold = 0.55

	autoLinkLimit         = 3
	autoLinkMinConfidence = 0.4
)

// Upsert runs the write pipeline for a batch of proposed items. Format
// violations on runbooks and episodes block the whole batch before any
// write; each surviving item then runs under the project write lock with
// retries on retryable storage errors.
func (s *Service) Upsert(ctx context.Context, items []model.ProposedItem) (UpsertResponse, error) {
	if len(items) == 0 {
		return UpsertResponse{}, fmt.Errorf("memories: upsert: empty batch")
	}
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return UpsertResponse{}, fmt.Errorf("memories: upsert item %d: %w", i, err)
		}
	}

	warnings, err := validateFormats(items)
	if err != nil {
		return UpsertResponse{}, err
	}

	resp := UpsertResponse{Warnings: warnings}
	for i := range items {
		item := items[i]
		var outcome model.UpsertOutcome
		lockErr := s.store.WithLock(ctx, "upsert:"+item.Project, func() error {
			return storage.WithRetry(ctx, func() error {
				var err error
				outcome, err = s.upsertOne(ctx, &item, &resp)
				return err
			})
		})
		if lockErr != nil {
			return resp, fmt.Errorf("memories: upsert %q: %w", item.Title, lockErr)
		}
		resp.Results = append(resp.Results, outcome)
		if warn := s.bumpMaintenanceCounter(ctx, item.Project); warn != "" {
			resp.MaintenanceWarning = warn
		}
	}
	return resp, nil
}

// validateFormats enforces the content contracts: runbooks carry commands
// and steps, episodes carry commands and an outcome section.
func validateFormats(items []model.ProposedItem) ([]string, error) {
	var offenders []string
	var warnings []string
	for i := range items {
		item := &items[i]
		lower := strings.ToLower(item.Content)
		switch item.Kind {
		case model.KindRunbook:
			if !strings.Contains(lower, "command:") || !strings.Contains(lower, "step") {
				offenders = append(offenders, item.Title)
			}
		case model.KindEpisode:
			if !strings.Contains(lower, "command:") || !strings.Contains(lower, "## outcome") {
				offenders = append(offenders, item.Title)
			}
		case model.KindState:
			if len(item.Content) < 20 {
				warnings = append(warnings, fmt.Sprintf("state %q is very short; consider recording more context", item.Title))
			}
		}
	}
	if len(offenders) > 0 {
		return nil, &FormatError{
			Offenders: offenders,
			Hint:      "runbooks need 'Command:' and step markers; episodes need 'Command:' and a '## OUTCOME' section",
		}
	}
	return warnings, nil
}

// upsertOne walks one item through the gates: idempotency, exact title,
// fuzzy title, insert.
func (s *Service) upsertOne(ctx context.Context, p *model.ProposedItem, resp *UpsertResponse) (model.UpsertOutcome, error) {
	hash := textutil.ContentHash(p.Content)
	tags := textutil.NormalizeTags(p.Tags)

	// Idempotency gate: same content re-asserted refreshes metadata only.
	if existing, err := s.store.FindActiveByContentHash(ctx, s.tenant, p.Project, p.Kind, hash); err == nil {
		s.applyMeta(&existing, p, tags)
		if err := s.store.UpdateItemMeta(ctx, &existing); err != nil {
			return model.UpsertOutcome{}, err
		}
		s.invalidateItem(existing.ID)
		return model.UpsertOutcome{ID: existing.ID, Title: existing.Title, Action: model.ActionUpdated, Version: existing.Version}, nil
	} else if err != storage.ErrNotFound {
		return model.UpsertOutcome{}, err
	}

	// Exact title gate: same title, new content.
	if existing, err := s.store.FindActiveByTitle(ctx, s.tenant, p.Project, p.Kind, p.Title); err == nil {
		return s.updateContent(ctx, &existing, p, tags, hash, model.ActionContentUpdated, resp)
	} else if err != storage.ErrNotFound {
		return model.UpsertOutcome{}, err
	}

	// Fuzzy title gate: near-identical title, new content.
	if match, ok, err := s.fuzzyMatch(ctx, p, hash); err != nil {
		return model.UpsertOutcome{}, err
	} else if ok {
		return s.updateContent(ctx, match, p, tags, hash, model.ActionFuzzyUpdated, resp)
	}

	return s.insert(ctx, p, tags, hash, resp)
}

// applyMeta copies the metadata fields an idempotent re-assert may change.
func (s *Service) applyMeta(item *model.MemoryItem, p *model.ProposedItem, tags model.Tags) {
	item.Title = p.Title
	item.Tags = textutil.MergeTags(item.Tags, tags, model.ProtectedTags)
	if p.Verified != nil {
		item.Verified = *p.Verified
	}
	if p.Confidence != nil {
		item.Confidence = *p.Confidence
	}
	if p.Provenance.ModelID != "" || p.Provenance.SessionID != "" || len(p.Provenance.Extra) > 0 {
		item.Provenance = p.Provenance
	}
}

// updateContent is the shared path of the exact-title and fuzzy gates:
// snapshot history, merge tags, re-embed, persist, refresh auto-links.
func (s *Service) updateContent(ctx context.Context, existing *model.MemoryItem, p *model.ProposedItem, tags model.Tags, hash string, action model.UpsertAction, resp *UpsertResponse) (model.UpsertOutcome, error) {
	if err := s.store.SnapshotItem(ctx, existing, string(action)); err != nil {
		return model.UpsertOutcome{}, err
	}

	existing.Title = p.Title
	existing.Content = p.Content
	existing.ContentHash = hash
	existing.Tags = textutil.MergeTags(existing.Tags, tags, model.ProtectedTags)
	s.applyGovernanceFields(existing, p)
	if action == model.ActionFuzzyUpdated {
		// Keep the greater of the accumulated score and the fresh base
		// with the success delta applied.
		existing.UsefulnessScore = mergedScore(existing.UsefulnessScore, p)
	}

	embedRes := s.embedder.Embed(ctx, textutil.EmbeddingInput(p.Title, existing.Tags, p.Content))
	if embedRes.Vector.Valid {
		existing.Embedding = embedRes.Vector
	} else if embedRes.Fallback != "" {
		resp.EmbeddingFallback = embedRes.Fallback
	}

	if err := s.store.UpdateItemContent(ctx, existing); err != nil {
		return model.UpsertOutcome{}, err
	}
	s.autoLink(ctx, existing)
	s.invalidateItem(existing.ID)
	return model.UpsertOutcome{ID: existing.ID, Title: existing.Title, Action: action, Version: existing.Version}, nil
}

func (s *Service) applyGovernanceFields(item *model.MemoryItem, p *model.ProposedItem) {
	if p.Verified != nil {
		item.Verified = *p.Verified
	}
	if p.Confidence != nil {
		item.Confidence = *p.Confidence
	}
	if p.Provenance.ModelID != "" || p.Provenance.SessionID != "" || len(p.Provenance.Extra) > 0 {
		item.Provenance = p.Provenance
	}
}

// mergedScore preserves the greater of the old score and the fresh base
// score with the success delta applied.
func mergedScore(old float64, p *model.ProposedItem) float64 {
	fresh := baseScore(p)
	if old > fresh {
		return old
	}
	return fresh
}

func baseScore(p *model.ProposedItem) float64 {
	score := baseScoreOther
	if p.Kind == model.KindFact || p.Kind == model.KindRunbook {
		score = baseScoreFactRunbook
	}
	if p.Success != nil {
		if *p.Success {
			score += successBonus
		} else {
			score += failurePenalty
		}
	}
	return score
}

// fuzzyMatch looks for an active item whose title keywords dominate the
// proposed title: best Jaccard at least 0.60 with the runner-up below 0.55.
// Candidates with a different outcome marker never merge; identical content
// was already handled by the idempotency gate.
func (s *Service) fuzzyMatch(ctx context.Context, p *model.ProposedItem, hash string) (*model.MemoryItem, bool, error) {
	titleKeywords := textutil.TitleKeywords(p.Title)
	if len(titleKeywords) == 0 {
		return nil, false, nil
	}

	candidates, err := s.fuzzyCandidates(ctx, p)
	if err != nil {
		return nil, false, err
	}

	marker := textutil.OutcomeMarker(p.Title)
	var best, second float64
	var bestItem *model.MemoryItem
	for i := range candidates {
		cand := &candidates[i]
		if cand.ContentHash == hash {
			continue
		}
		if textutil.OutcomeMarker(cand.Title) != marker {
			continue
		}
		sim := textutil.Jaccard(titleKeywords, textutil.TitleKeywords(cand.Title))
		switch {
		case sim > best:
			second = best
			best = sim
			bestItem = cand
		case sim > second:
			second = sim
		}
	}

	if bestItem != nil && best >= fuzzyBestThreshold && second < fuzzySecondThreshold {
		return bestItem, true, nil
	}
	return nil, false, nil
}

// fuzzyCandidates pulls the comparison set from the keyword index, falling
// back to the most recent items of the kind when the index has nothing.
func (s *Service) fuzzyCandidates(ctx context.Context, p *model.ProposedItem) ([]model.MemoryItem, error) {
	hits, err := s.searcher.Keyword(ctx, s.tenant, p.Project, p.Title, []model.Kind{p.Kind}, 20)
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 {
		ids := make([]uuid.UUID, len(hits))
		for i, h := range hits {
			ids[i] = h.ID
		}
		items, err := s.store.GetItemsByIDs(ctx, s.tenant, ids)
		if err != nil {
			return nil, err
		}
		active := items[:0]
		for _, item := range items {
			if item.Status == model.StatusActive && item.Kind == p.Kind && item.Project == p.Project {
				active = append(active, item)
			}
		}
		if len(active) > 0 {
			return active, nil
		}
	}
	return s.store.RecentItems(ctx, s.tenant, p.Project, []model.Kind{p.Kind}, 20)
}

// insert is the final gate: a brand-new item at version 1.
func (s *Service) insert(ctx context.Context, p *model.ProposedItem, tags model.Tags, hash string, resp *UpsertResponse) (model.UpsertOutcome, error) {
	now := time.Now().UTC()
	item := model.MemoryItem{
		ID:              uuid.New(),
		Tenant:          s.tenant,
		Project:         p.Project,
		Kind:            p.Kind,
		Title:           p.Title,
		Content:         p.Content,
		Tags:            tags,
		Provenance:      p.Provenance,
		Confidence:      0.5,
		UsefulnessScore: baseScore(p),
		Version:         1,
		Status:          model.StatusActive,
		ContentHash:     hash,
		CreatedAt:       now,
		UpdatedAt:       now,
		LastUsedAt:      now,
	}
	if p.Verified != nil {
		item.Verified = *p.Verified
	}
	if p.Confidence != nil {
		item.Confidence = *p.Confidence
	}

	embedRes := s.embedder.Embed(ctx, textutil.EmbeddingInput(p.Title, tags, p.Content))
	if embedRes.Vector.Valid {
		item.Embedding = embedRes.Vector
	} else if embedRes.Fallback != "" {
		resp.EmbeddingFallback = embedRes.Fallback
	}

	if err := s.store.InsertItem(ctx, &item); err != nil {
		return model.UpsertOutcome{}, err
	}
	s.autoLink(ctx, &item)
	s.invalidateItem(item.ID)
	return model.UpsertOutcome{ID: item.ID, Title: item.Title, Action: model.ActionCreated, Version: 1}, nil
}

// autoLink asks the graph for up to three confident suggestions and records
// them as auto-created edges. Best effort: link failures never fail the
// write.
func (s *Service) autoLink(ctx context.Context, item *model.MemoryItem) {
	suggestions, err := s.graph.Suggest(ctx, s.tenant, item.Project, item.ID, autoLinkLimit)
	if err != nil {
		s.logger.Debug("auto-link suggestions failed", "id", item.ID, "error", err)
		return
	}
	for _, sug := range suggestions {
		if sug.Confidence < autoLinkMinConfidence {
			continue
		}
		_, err := s.graph.Link(ctx, s.tenant, sug.FromID, sug.ToID, sug.Relation, sug.Confidence,
			model.JSONMap{"auto_created": true})
		if err != nil {
			s.logger.Debug("auto-link failed", "from", sug.FromID, "to", sug.ToID, "error", err)
		}
	}
}
