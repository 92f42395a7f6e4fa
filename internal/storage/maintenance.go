package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
)

// DuplicateGroups finds sets of active items in the scope sharing the same
// (kind, content_hash), newest first within each group. The head of each
// group is the survivor; the tail are merge candidates.
func (s *Store) DuplicateGroups(ctx context.Context, tenant, project string) ([][]model.MemoryItem, error) {
	var items []model.MemoryItem
	err := s.Query(ctx, &items, `
		SELECT `+itemColumns+` FROM items
		WHERE tenant = ? AND project = ? AND status = 'active'
			AND (kind, content_hash) IN (
				SELECT kind, content_hash FROM items
				WHERE tenant = ? AND project = ? AND status = 'active'
				GROUP BY kind, content_hash
				HAVING COUNT(*) > 1
			)
		ORDER BY kind, content_hash, updated_at DESC`,
		tenant, project, tenant, project)
	if err != nil {
		return nil, fmt.Errorf("storage: duplicate groups: %w", err)
	}

	var groups [][]model.MemoryItem
	for i := 0; i < len(items); {
		j := i + 1
		for j < len(items) && items[j].Kind == items[i].Kind && items[j].ContentHash == items[i].ContentHash {
			j++
		}
		groups = append(groups, items[i:j])
		i = j
	}
	return groups, nil
}

// StaleItems returns active, unprotected-looking candidates not used since
// cutoff. Protection rules beyond age (tags, verified, confidence) are
// applied by the caller, which has the policy.
func (s *Store) StaleItems(ctx context.Context, tenant, project string, cutoff time.Time, maxUsefulness float64) ([]model.MemoryItem, error) {
	var items []model.MemoryItem
	err := s.Query(ctx, &items, `
		SELECT `+itemColumns+` FROM items
		WHERE tenant = ? AND project = ? AND status = 'active'
			AND last_used_at < ? AND usefulness_score <= ?`,
		tenant, project, cutoff, maxUsefulness)
	if err != nil {
		return nil, fmt.Errorf("storage: stale items: %w", err)
	}
	return items, nil
}

// NegativeItems returns active items whose usefulness fell to or below the
// threshold, worst first.
func (s *Store) NegativeItems(ctx context.Context, tenant, project string, threshold float64) ([]model.MemoryItem, error) {
	var items []model.MemoryItem
	err := s.Query(ctx, &items, `
		SELECT `+itemColumns+` FROM items
		WHERE tenant = ? AND project = ? AND status = 'active'
			AND usefulness_score <= ?
		ORDER BY usefulness_score ASC`,
		tenant, project, threshold)
	if err != nil {
		return nil, fmt.Errorf("storage: negative items: %w", err)
	}
	return items, nil
}

// KindCount is one row of a per-kind aggregate.
type KindCount struct {
	Kind  model.Kind `db:"kind" json:"kind"`
	Count int        `db:"n" json:"count"`
}

// StatusCount is one row of a per-status aggregate.
type StatusCount struct {
	Status model.Status `db:"status" json:"status"`
	Count  int          `db:"n" json:"count"`
}

// CountByKind aggregates active item counts per kind.
func (s *Store) CountByKind(ctx context.Context, tenant, project string) ([]KindCount, error) {
	var out []KindCount
	err := s.Query(ctx, &out, `
		SELECT kind, COUNT(*) AS n FROM items
		WHERE tenant = ? AND project = ? AND status = 'active'
		GROUP BY kind ORDER BY n DESC`, tenant, project)
	if err != nil {
		return nil, fmt.Errorf("storage: count by kind: %w", err)
	}
	return out, nil
}

// CountByStatus aggregates item counts per lifecycle status.
func (s *Store) CountByStatus(ctx context.Context, tenant, project string) ([]StatusCount, error) {
	var out []StatusCount
	err := s.Query(ctx, &out, `
		SELECT status, COUNT(*) AS n FROM items
		WHERE tenant = ? AND project = ?
		GROUP BY status ORDER BY n DESC`, tenant, project)
	if err != nil {
		return nil, fmt.Errorf("storage: count by status: %w", err)
	}
	return out, nil
}

// UsefulnessStats holds aggregate score statistics for a scope.
type UsefulnessStats struct {
	Average  float64 `db:"avg_score" json:"average"`
	Min      float64 `db:"min_score" json:"min"`
	Max      float64 `db:"max_score" json:"max"`
	Verified int     `db:"verified_n" json:"verified"`
	Embedded int     `db:"embedded_n" json:"embedded"`
}

// ScoreStats aggregates usefulness and coverage numbers for active items.
func (s *Store) ScoreStats(ctx context.Context, tenant, project string) (UsefulnessStats, error) {
	var st UsefulnessStats
	err := s.QueryOne(ctx, &st, `
		SELECT
			COALESCE(AVG(usefulness_score), 0) AS avg_score,
			COALESCE(MIN(usefulness_score), 0) AS min_score,
			COALESCE(MAX(usefulness_score), 0) AS max_score,
			COALESCE(SUM(CASE WHEN verified THEN 1 ELSE 0 END), 0) AS verified_n,
			COALESCE(SUM(CASE WHEN embedding IS NOT NULL THEN 1 ELSE 0 END), 0) AS embedded_n
		FROM items
		WHERE tenant = ? AND project = ? AND status = 'active'`,
		tenant, project)
	if err != nil {
		return UsefulnessStats{}, fmt.Errorf("storage: score stats: %w", err)
	}
	return st, nil
}

// Checkpoint truncates the SQLite WAL. No-op on Postgres.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.backend != BackendSQLite {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("storage: wal checkpoint: %w", err)
	}
	return nil
}

// Vacuum reclaims dead space. Full VACUUM on SQLite; Postgres relies on
// autovacuum, so only expired-row hints are analyzed there.
func (s *Store) Vacuum(ctx context.Context) error {
	stmt := `VACUUM`
	if s.backend == BackendPostgres {
		stmt = `ANALYZE items`
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("storage: vacuum: %w", err)
	}
	return nil
}

// PurgeDeleted hard-removes items soft-deleted before cutoff, together with
// their history. Returns the number of items purged.
func (s *Store) PurgeDeleted(ctx context.Context, tenant, project string, cutoff time.Time) (int, error) {
	var ids []uuid.UUID
	err := s.Query(ctx, &ids, `
		SELECT id FROM items
		WHERE tenant = ? AND project = ? AND status = 'deleted' AND updated_at < ?`,
		tenant, project, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: find purgeable: %w", err)
	}
	for _, id := range ids {
		if err := s.DeleteItemHistory(ctx, id); err != nil {
			return 0, err
		}
		if _, err := s.Exec(ctx, `DELETE FROM links WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
			return 0, fmt.Errorf("storage: purge links: %w", err)
		}
		if _, err := s.Exec(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("storage: purge item: %w", err)
		}
	}
	return len(ids), nil
}
