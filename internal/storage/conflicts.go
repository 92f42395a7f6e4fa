package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
)

const conflictColumns = `id, tenant, project, item_a, item_b, conflict_type, resolution_status, created_at`

// RecordConflict registers a conflict between two items. The pair is stored
// in canonical order; re-detecting an open conflict is a no-op. Returns
// whether a new row was created.
func (s *Store) RecordConflict(ctx context.Context, tenant, project string, a, b uuid.UUID, kind model.ConflictType) (bool, error) {
	a, b = model.CanonicalPair(a, b)
	res, err := s.Exec(ctx, `
		INSERT INTO model_conflicts (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 'open', ?)
		ON CONFLICT (item_a, item_b, conflict_type) DO NOTHING`,
		uuid.New(), tenant, project, a, b, kind, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("storage: record conflict: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// OpenConflicts lists unresolved conflicts in the scope, oldest first.
func (s *Store) OpenConflicts(ctx context.Context, tenant, project string, limit int) ([]model.ModelConflict, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []model.ModelConflict
	err := s.Query(ctx, &out, `
		SELECT `+conflictColumns+` FROM model_conflicts
		WHERE tenant = ? AND project = ? AND resolution_status = 'open'
		ORDER BY created_at ASC
		LIMIT ?`, tenant, project, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: open conflicts: %w", err)
	}
	return out, nil
}

// ResolveConflictsTouching marks open conflicts involving the item as
// resolved with the given status. Returns the number updated.
func (s *Store) ResolveConflictsTouching(ctx context.Context, id uuid.UUID, status string) (int, error) {
	res, err := s.Exec(ctx, `
		UPDATE model_conflicts SET resolution_status = ?
		WHERE resolution_status = 'open' AND (item_a = ? OR item_b = ?)`,
		status, id, id)
	if err != nil {
		return 0, fmt.Errorf("storage: resolve conflicts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
