package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/storage"
	"github.com/kioku-ai/kioku/internal/textutil"
)

const (
	loopWindow      = 7 * 24 * time.Hour
	guardrailExpiry = 30 * 24 * time.Hour
	auditTraceDepth = 200
)

// RecordMistake hashes the signature and bumps its counter.
func (s *Service) RecordMistake(ctx context.Context, tenant, project, signature, severity, note string) (model.Mistake, error) {
	return s.store.RecordMistake(ctx, tenant, project, textutil.SignatureHash(signature), severity, note)
}

// LoopBreak is the result of one loop-breaker pass.
type LoopBreak struct {
	Signature   string      `json:"signature"`
	Count       int         `json:"count"`
	Quarantined []uuid.UUID `json:"quarantined"`
	GuardrailID uuid.UUID   `json:"guardrail_id"`
	Created     bool        `json:"guardrail_created"`
}

// CheckLoopBreaker finds mistakes repeated at least threshold times in the
// last seven days. For each one it collects the implicated items from the
// mistake's notes and the recent audit trail, quarantines the unprotected
// ones, raises a warn guardrail suppressing them for thirty days, and
// annotates the latest state item so the agent sees the warning in its
// summary.
func (s *Service) CheckLoopBreaker(ctx context.Context, tenant, project string, threshold int, dryRun bool) ([]LoopBreak, error) {
	if threshold <= 0 {
		threshold = s.defaults.QuarantineOnWrongThreshold
	}
	repeated, err := s.store.RepeatedMistakes(ctx, tenant, project, threshold, loopWindow)
	if err != nil {
		return nil, fmt.Errorf("governance: loop breaker: %w", err)
	}

	var breaks []LoopBreak
	for _, mistake := range repeated {
		candidates, err := s.implicatedItems(ctx, tenant, project, mistake)
		if err != nil {
			return nil, err
		}

		var quarantined []uuid.UUID
		for _, id := range candidates {
			item, err := s.store.GetItem(ctx, tenant, id)
			if err == storage.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if item.Protected() || item.Status != model.StatusActive {
				continue
			}
			if !dryRun {
				reason := fmt.Sprintf("loop breaker: mistake %s repeated %d times", mistake.SignatureHash, mistake.Count)
				if err := s.store.SetStatus(ctx, id, model.StatusQuarantined, reason); err != nil {
					return nil, err
				}
			}
			quarantined = append(quarantined, id)
		}
		if len(quarantined) == 0 {
			continue
		}

		lb := LoopBreak{
			Signature:   mistake.SignatureHash,
			Count:       mistake.Count,
			Quarantined: quarantined,
		}
		if !dryRun {
			expires := time.Now().UTC().Add(guardrailExpiry)
			rail, created, err := s.store.UpsertGuardrail(ctx, &model.Guardrail{
				Tenant:           tenant,
				Project:          project,
				RuleType:         model.RuleWarn,
				PatternSignature: "loop:" + mistake.SignatureHash,
				Description: fmt.Sprintf("repeated mistake (%dx in 7 days), %d items quarantined",
					mistake.Count, len(quarantined)),
				SuppressIDs: quarantined,
				Active:      true,
				ExpiresAt:   &expires,
			})
			if err != nil {
				return nil, err
			}
			lb.GuardrailID = rail.ID
			lb.Created = created
			s.annotateLatestState(ctx, tenant, project, rail.Description)
		}
		breaks = append(breaks, lb)
	}
	return breaks, nil
}

var uuidRe = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// implicatedItems gathers candidate item ids for a mistake: structured
// item_id fields in its notes first, then identifiers mentioned in recent
// audit responses as a fallback.
func (s *Service) implicatedItems(ctx context.Context, tenant, project string, mistake model.Mistake) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, note := range mistake.Notes {
		var parsed struct {
			ItemID string `json:"item_id"`
		}
		if err := json.Unmarshal([]byte(note), &parsed); err == nil && parsed.ItemID != "" {
			if id, err := uuid.Parse(parsed.ItemID); err == nil {
				add(id)
			}
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	records, err := s.store.RecentAudit(ctx, tenant, project, auditTraceDepth)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if !rec.IsError && rec.Tool != "memory_feedback" {
			continue
		}
		for _, match := range uuidRe.FindAllString(rec.ResponseSummary, -1) {
			if id, err := uuid.Parse(match); err == nil {
				add(id)
			}
		}
	}
	return out, nil
}

// annotateLatestState appends a guardrail warning to the newest state item
// so the next summarize surfaces it. Best effort.
func (s *Service) annotateLatestState(ctx context.Context, tenant, project, warning string) {
	items, err := s.store.RecentItems(ctx, tenant, project, []model.Kind{model.KindState}, 1)
	if err != nil || len(items) == 0 {
		return
	}
	item := items[0]
	if err := s.store.SnapshotItem(ctx, &item, "loop breaker annotation"); err != nil {
		s.logger.Warn("loop breaker: state snapshot failed", "error", err)
		return
	}
	item.Content += "\n\n[GUARDRAIL] " + warning
	item.ContentHash = textutil.ContentHash(item.Content)
	if err := s.store.UpdateItemContent(ctx, &item); err != nil {
		s.logger.Warn("loop breaker: state annotation failed", "error", err)
	}
}
