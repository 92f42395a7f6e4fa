package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
)

const guardrailColumns = `id, tenant, project, rule_type, pattern_signature,
	description, suppress_ids, active, created_at, expires_at`

// UpsertGuardrail creates a guardrail or, when one already exists for the
// (tenant, project, pattern_signature) key, merges the new suppress ids into
// it and extends its expiry. Returns the stored row and whether it was
// newly created.
func (s *Store) UpsertGuardrail(ctx context.Context, g *model.Guardrail) (model.Guardrail, bool, error) {
	var existing model.Guardrail
	err := s.QueryOne(ctx, &existing, `
		SELECT `+guardrailColumns+` FROM guardrails
		WHERE tenant = ? AND project = ? AND pattern_signature = ?`,
		g.Tenant, g.Project, g.PatternSignature)
	if err == ErrNotFound {
		if g.ID == uuid.Nil {
			g.ID = uuid.New()
		}
		if g.CreatedAt.IsZero() {
			g.CreatedAt = time.Now().UTC()
		}
		if _, err := s.Exec(ctx, `
			INSERT INTO guardrails (`+guardrailColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.Tenant, g.Project, g.RuleType, g.PatternSignature,
			g.Description, g.SuppressIDs, g.Active, g.CreatedAt, g.ExpiresAt,
		); err != nil {
			return model.Guardrail{}, false, fmt.Errorf("storage: insert guardrail: %w", err)
		}
		return *g, true, nil
	}
	if err != nil {
		return model.Guardrail{}, false, fmt.Errorf("storage: find guardrail: %w", err)
	}

	for _, id := range g.SuppressIDs {
		if !existing.SuppressIDs.Contains(id) {
			existing.SuppressIDs = append(existing.SuppressIDs, id)
		}
	}
	existing.Active = true
	if g.ExpiresAt != nil {
		if existing.ExpiresAt == nil || g.ExpiresAt.After(*existing.ExpiresAt) {
			existing.ExpiresAt = g.ExpiresAt
		}
	}
	if _, err := s.Exec(ctx, `
		UPDATE guardrails SET suppress_ids = ?, active = ?, expires_at = ?
		WHERE id = ?`,
		existing.SuppressIDs, existing.Active, existing.ExpiresAt, existing.ID,
	); err != nil {
		return model.Guardrail{}, false, fmt.Errorf("storage: update guardrail: %w", err)
	}
	return existing, false, nil
}

// ActiveGuardrails returns non-expired active guardrails for the scope.
func (s *Store) ActiveGuardrails(ctx context.Context, tenant, project string) ([]model.Guardrail, error) {
	var out []model.Guardrail
	err := s.Query(ctx, &out, `
		SELECT `+guardrailColumns+` FROM guardrails
		WHERE tenant = ? AND project = ? AND active = ?
			AND (expires_at IS NULL OR expires_at > ?)`,
		tenant, project, true, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: active guardrails: %w", err)
	}
	return out, nil
}

// DeactivateExpiredGuardrails flips expired guardrails inactive. Returns the
// number deactivated.
func (s *Store) DeactivateExpiredGuardrails(ctx context.Context) (int, error) {
	res, err := s.Exec(ctx, `
		UPDATE guardrails SET active = ?
		WHERE active = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		false, true, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("storage: deactivate guardrails: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
