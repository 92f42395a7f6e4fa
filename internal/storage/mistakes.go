package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
)

const mistakeColumns = `id, tenant, project, signature_hash, count, severity, notes, last_seen, created_at`

// RecordMistake increments the counter for a failure signature, creating the
// row on first sight. A note is appended when provided. Returns the row
// after the update so the caller can read the new count.
func (s *Store) RecordMistake(ctx context.Context, tenant, project, signatureHash, severity, note string) (model.Mistake, error) {
	now := time.Now().UTC()

	var existing model.Mistake
	err := s.QueryOne(ctx, &existing, `
		SELECT `+mistakeColumns+` FROM mistakes
		WHERE tenant = ? AND project = ? AND signature_hash = ?`,
		tenant, project, signatureHash)
	if err == ErrNotFound {
		m := model.Mistake{
			ID:            uuid.New(),
			Tenant:        tenant,
			Project:       project,
			SignatureHash: signatureHash,
			Count:         1,
			Severity:      severity,
			LastSeen:      now,
			CreatedAt:     now,
		}
		if note != "" {
			m.Notes = model.Notes{note}
		}
		if _, err := s.Exec(ctx, `
			INSERT INTO mistakes (`+mistakeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Tenant, m.Project, m.SignatureHash, m.Count,
			m.Severity, m.Notes, m.LastSeen, m.CreatedAt,
		); err != nil {
			return model.Mistake{}, fmt.Errorf("storage: insert mistake: %w", err)
		}
		return m, nil
	}
	if err != nil {
		return model.Mistake{}, fmt.Errorf("storage: find mistake: %w", err)
	}

	existing.Count++
	existing.LastSeen = now
	if severity != "" {
		existing.Severity = severity
	}
	if note != "" {
		existing.Notes = append(existing.Notes, note)
	}
	if _, err := s.Exec(ctx, `
		UPDATE mistakes SET count = ?, severity = ?, notes = ?, last_seen = ?
		WHERE id = ?`,
		existing.Count, existing.Severity, existing.Notes, existing.LastSeen, existing.ID,
	); err != nil {
		return model.Mistake{}, fmt.Errorf("storage: update mistake: %w", err)
	}
	return existing, nil
}

// MistakeBySignature fetches one mistake row by its signature.
func (s *Store) MistakeBySignature(ctx context.Context, tenant, project, signatureHash string) (model.Mistake, error) {
	var m model.Mistake
	err := s.QueryOne(ctx, &m, `
		SELECT `+mistakeColumns+` FROM mistakes
		WHERE tenant = ? AND project = ? AND signature_hash = ?`,
		tenant, project, signatureHash)
	if err != nil {
		if err == ErrNotFound {
			return model.Mistake{}, ErrNotFound
		}
		return model.Mistake{}, fmt.Errorf("storage: mistake by signature: %w", err)
	}
	return m, nil
}

// RepeatedMistakes lists signatures seen at least minCount times inside the
// window ending now, most frequent first.
func (s *Store) RepeatedMistakes(ctx context.Context, tenant, project string, minCount int, window time.Duration) ([]model.Mistake, error) {
	since := time.Now().UTC().Add(-window)
	var out []model.Mistake
	err := s.Query(ctx, &out, `
		SELECT `+mistakeColumns+` FROM mistakes
		WHERE tenant = ? AND project = ? AND count >= ? AND last_seen >= ?
		ORDER BY count DESC`,
		tenant, project, minCount, since)
	if err != nil {
		return nil, fmt.Errorf("storage: repeated mistakes: %w", err)
	}
	return out, nil
}

// MarshalMistakeNote encodes a structured note as the string stored in the
// mistakes notes array.
func MarshalMistakeNote(itemID uuid.UUID, detail string) string {
	b, _ := json.Marshal(map[string]string{
		"item_id": itemID.String(),
		"detail":  detail,
		"at":      time.Now().UTC().Format(time.RFC3339),
	})
	return string(b)
}
