package governance

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/textutil"
)

// FeedbackResult reports what a feedback call changed.
type FeedbackResult struct {
	ID              uuid.UUID    `json:"id"`
	Label           string       `json:"label"`
	UsefulnessScore float64      `json:"usefulness_score"`
	ErrorCount      int          `json:"error_count"`
	Status          model.Status `json:"status"`
	Quarantined     bool         `json:"quarantined"`
}

const (
	usefulDelta      = 1.0
	notRelevantDelta = -0.5
)

// Feedback applies an agent verdict to an item. "wrong" bumps the error
// counter, clears verified, records a mistake signature, and quarantines
// unprotected items once the counter reaches the policy threshold.
func (s *Service) Feedback(ctx context.Context, tenant string, id uuid.UUID, label model.FeedbackLabel, policy model.Policy) (FeedbackResult, error) {
	if !model.ValidFeedbackLabels[label] {
		return FeedbackResult{}, fmt.Errorf("governance: invalid feedback label %q", label)
	}
	policy = policy.Merge(s.defaults)

	item, err := s.store.GetItem(ctx, tenant, id)
	if err != nil {
		return FeedbackResult{}, fmt.Errorf("governance: feedback: %w", err)
	}

	switch label {
	case model.FeedbackUseful:
		if err := s.store.AdjustUsefulness(ctx, id, usefulDelta); err != nil {
			return FeedbackResult{}, err
		}
	case model.FeedbackNotRelevant:
		if err := s.store.AdjustUsefulness(ctx, id, notRelevantDelta); err != nil {
			return FeedbackResult{}, err
		}
	case model.FeedbackWrong:
		count, err := s.store.IncrementErrorCount(ctx, id)
		if err != nil {
			return FeedbackResult{}, err
		}
		item.ErrorCount = count
		item.Verified = false

		signature := "wrong:" + item.Title + ":" + id.String()
		if _, err := s.store.RecordMistake(ctx, tenant, item.Project,
			textutil.SignatureHash(signature), "medium",
			storage.MarshalMistakeNote(id, "feedback: wrong"),
		); err != nil {
			s.logger.Warn("feedback: mistake record failed", "id", id, "error", err)
		}

		if count >= policy.QuarantineOnWrongThreshold && !item.Protected() && item.Status == model.StatusActive {
			reason := fmt.Sprintf("wrong feedback x%d reached quarantine threshold %d",
				count, policy.QuarantineOnWrongThreshold)
			if err := s.store.SetStatus(ctx, id, model.StatusQuarantined, reason); err != nil {
				return FeedbackResult{}, err
			}
		}
	}

	updated, err := s.store.GetItem(ctx, tenant, id)
	if err != nil {
		return FeedbackResult{}, err
	}
	return FeedbackResult{
		ID:              id,
		Label:           string(label),
		UsefulnessScore: updated.UsefulnessScore,
		ErrorCount:      updated.ErrorCount,
		Status:          updated.Status,
		Quarantined:     updated.Status == model.StatusQuarantined,
	}, nil
}
