package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kioku-ai/kioku/internal/model"
)

const itemColumns = `id, tenant, project, kind, title, content, tags, provenance,
	verified, confidence, usefulness_score, error_count, version, status,
	status_reason, content_hash, embedding, created_at, updated_at, last_used_at`

// InsertItem persists a new item and registers it in the keyword index.
func (s *Store) InsertItem(ctx context.Context, item *model.MemoryItem) error {
	_, err := s.Exec(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Tenant, item.Project, item.Kind, item.Title, item.Content,
		item.Tags, item.Provenance, item.Verified, item.Confidence,
		item.UsefulnessScore, item.ErrorCount, item.Version, item.Status,
		item.StatusReason, item.ContentHash, item.Embedding,
		item.CreatedAt, item.UpdatedAt, item.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert item: %w", err)
	}
	return s.indexItem(ctx, item.ID, item.Title, item.Content)
}

// GetItem fetches one item by id within a tenant scope.
func (s *Store) GetItem(ctx context.Context, tenant string, id uuid.UUID) (model.MemoryItem, error) {
	var item model.MemoryItem
	err := s.QueryOne(ctx, &item,
		`SELECT `+itemColumns+` FROM items WHERE id = ? AND tenant = ?`, id, tenant)
	if err != nil {
		if err == ErrNotFound {
			return model.MemoryItem{}, ErrNotFound
		}
		return model.MemoryItem{}, fmt.Errorf("storage: get item: %w", err)
	}
	return item, nil
}

// FindActiveByContentHash is the idempotency gate lookup.
func (s *Store) FindActiveByContentHash(ctx context.Context, tenant, project string, kind model.Kind, hash string) (model.MemoryItem, error) {
	var item model.MemoryItem
	err := s.QueryOne(ctx, &item, `
		SELECT `+itemColumns+` FROM items
		WHERE tenant = ? AND project = ? AND kind = ? AND content_hash = ? AND status = 'active'
		ORDER BY updated_at DESC LIMIT 1`,
		tenant, project, kind, hash)
	if err != nil {
		if err == ErrNotFound {
			return model.MemoryItem{}, ErrNotFound
		}
		return model.MemoryItem{}, fmt.Errorf("storage: find by content hash: %w", err)
	}
	return item, nil
}

// FindActiveByTitle is the exact-title gate lookup (case-insensitive).
func (s *Store) FindActiveByTitle(ctx context.Context, tenant, project string, kind model.Kind, title string) (model.MemoryItem, error) {
	var item model.MemoryItem
	err := s.QueryOne(ctx, &item, `
		SELECT `+itemColumns+` FROM items
		WHERE tenant = ? AND project = ? AND kind = ? AND lower(title) = lower(?) AND status = 'active'
		ORDER BY updated_at DESC LIMIT 1`,
		tenant, project, kind, title)
	if err != nil {
		if err == ErrNotFound {
			return model.MemoryItem{}, ErrNotFound
		}
		return model.MemoryItem{}, fmt.Errorf("storage: find by title: %w", err)
	}
	return item, nil
}

// UpdateItemMeta refreshes the mutable metadata of an existing item without
// touching its content (the idempotency-gate update path). The version is
// bumped because the item was re-asserted.
func (s *Store) UpdateItemMeta(ctx context.Context, item *model.MemoryItem) error {
	item.Version++
	item.UpdatedAt = time.Now().UTC()
	_, err := s.Exec(ctx, `
		UPDATE items SET title = ?, tags = ?, verified = ?, confidence = ?,
			provenance = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		item.Title, item.Tags, item.Verified, item.Confidence,
		item.Provenance, item.Version, item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update item meta: %w", err)
	}
	return s.indexItem(ctx, item.ID, item.Title, item.Content)
}

// UpdateItemContent persists a content-changing update: new title, content,
// hash, tags, embedding, score, and a bumped version.
func (s *Store) UpdateItemContent(ctx context.Context, item *model.MemoryItem) error {
	item.Version++
	item.UpdatedAt = time.Now().UTC()
	_, err := s.Exec(ctx, `
		UPDATE items SET title = ?, content = ?, content_hash = ?, tags = ?,
			verified = ?, confidence = ?, provenance = ?, usefulness_score = ?,
			embedding = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		item.Title, item.Content, item.ContentHash, item.Tags,
		item.Verified, item.Confidence, item.Provenance, item.UsefulnessScore,
		item.Embedding, item.Version, item.UpdatedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update item content: %w", err)
	}
	return s.indexItem(ctx, item.ID, item.Title, item.Content)
}

// TouchItem records an implicit interest signal on read: bumps last_used_at
// and adds 0.01 usefulness capped at 5.0.
func (s *Store) TouchItem(ctx context.Context, id uuid.UUID) error {
	_, err := s.Exec(ctx, `
		UPDATE items SET last_used_at = ?,
			usefulness_score = MIN(5.0, usefulness_score + 0.01)
		WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch item: %w", err)
	}
	return nil
}

// AdjustUsefulness adds delta to the usefulness score, clamped to [-5, 5].
func (s *Store) AdjustUsefulness(ctx context.Context, id uuid.UUID, delta float64) error {
	_, err := s.Exec(ctx, `
		UPDATE items SET usefulness_score = MAX(-5.0, MIN(5.0, usefulness_score + ?)),
			updated_at = ?
		WHERE id = ?`,
		delta, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: adjust usefulness: %w", err)
	}
	return nil
}

// IncrementErrorCount bumps the error counter and clears the verified flag.
// Returns the new count.
func (s *Store) IncrementErrorCount(ctx context.Context, id uuid.UUID) (int, error) {
	_, err := s.Exec(ctx, `
		UPDATE items SET error_count = error_count + 1, verified = ?, updated_at = ?
		WHERE id = ?`,
		false, time.Now().UTC(), id,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: increment error count: %w", err)
	}
	var count int
	if err := s.QueryOne(ctx, &count, `SELECT error_count FROM items WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("storage: read error count: %w", err)
	}
	return count, nil
}

// SetStatus transitions an item's lifecycle state, recording the reason.
// Deleted items leave the keyword index; every other status stays indexed
// so retrieval can route quarantined hits into the excluded sidecar.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status model.Status, reason string) error {
	_, err := s.Exec(ctx, `
		UPDATE items SET status = ?, status_reason = ?, updated_at = ?
		WHERE id = ?`,
		status, reason, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: set status: %w", err)
	}
	if status == model.StatusDeleted {
		return s.deindexItem(ctx, id)
	}
	var item model.MemoryItem
	if err := s.QueryOne(ctx, &item, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("storage: reload for index: %w", err)
	}
	return s.indexItem(ctx, item.ID, item.Title, item.Content)
}

// ItemFilter narrows list queries.
type ItemFilter struct {
	Tenant   string
	Project  string
	Kinds    []model.Kind
	Statuses []model.Status
	Tag      string
}

func (f ItemFilter) where() (string, []any) {
	clauses := []string{"tenant = ?", "project = ?"}
	args := []any{f.Tenant, f.Project}
	if len(f.Kinds) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Kinds)), ",")
		clauses = append(clauses, "kind IN ("+ph+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if len(f.Statuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		clauses = append(clauses, "status IN ("+ph+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	} else {
		clauses = append(clauses, "status = 'active'")
	}
	if f.Tag != "" {
		// Tags are a serialized JSON array; substring match on the quoted form.
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, `%"`+strings.ToLower(f.Tag)+`"%`)
	}
	return strings.Join(clauses, " AND "), args
}

// listSortFields is the whitelist of sortable columns for ListItems.
var listSortFields = map[string]bool{
	"updated_at":       true,
	"created_at":       true,
	"usefulness_score": true,
	"title":            true,
}

// ListItems pages through items matching the filter. Sort fields outside the
// whitelist fall back to updated_at; direction is ASC or DESC only.
func (s *Store) ListItems(ctx context.Context, f ItemFilter, sortBy, sortDir string, limit, offset int) ([]model.MemoryItem, error) {
	if !listSortFields[sortBy] {
		sortBy = "updated_at"
	}
	if !strings.EqualFold(sortDir, "ASC") {
		sortDir = "DESC"
	} else {
		sortDir = "ASC"
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	where, args := f.where()
	args = append(args, limit, offset)

	var items []model.MemoryItem
	err := s.Query(ctx, &items, `
		SELECT `+itemColumns+` FROM items
		WHERE `+where+`
		ORDER BY `+sortBy+` `+sortDir+`
		LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list items: %w", err)
	}
	return items, nil
}

// CountItems counts items matching the filter.
func (s *Store) CountItems(ctx context.Context, f ItemFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := s.QueryOne(ctx, &n, `SELECT COUNT(*) FROM items WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("storage: count items: %w", err)
	}
	return n, nil
}

// RecentItems returns the most recently updated items in a scope.
func (s *Store) RecentItems(ctx context.Context, tenant, project string, kinds []model.Kind, limit int) ([]model.MemoryItem, error) {
	return s.ListItems(ctx, ItemFilter{
		Tenant:  tenant,
		Project: project,
		Kinds:   kinds,
	}, "updated_at", "DESC", limit, 0)
}

// ItemsWithEmbeddings streams candidates for the brute-force vector scan:
// items in the allowed statuses that carry a stored vector.
func (s *Store) ItemsWithEmbeddings(ctx context.Context, tenant, project string, kinds []model.Kind, statuses []model.Status) ([]model.MemoryItem, error) {
	if len(statuses) == 0 {
		statuses = []model.Status{model.StatusActive}
	}
	f := ItemFilter{Tenant: tenant, Project: project, Kinds: kinds, Statuses: statuses}
	where, args := f.where()

	var items []model.MemoryItem
	err := s.Query(ctx, &items, `
		SELECT `+itemColumns+` FROM items
		WHERE `+where+` AND embedding IS NOT NULL`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: items with embeddings: %w", err)
	}
	return items, nil
}

// GetItemsByIDs hydrates a set of items in one query.
func (s *Store) GetItemsByIDs(ctx context.Context, tenant string, ids []uuid.UUID) ([]model.MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+itemColumns+` FROM items WHERE tenant = ? AND id IN (?)`, tenant, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: build ids query: %w", err)
	}
	var items []model.MemoryItem
	if err := s.Query(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("storage: get items by ids: %w", err)
	}
	return items, nil
}

// ── Keyword index upkeep (SQLite FTS5; Postgres uses an expression index) ──

func (s *Store) indexItem(ctx context.Context, id uuid.UUID, title, content string) error {
	if s.backend != BackendSQLite {
		return nil
	}
	if err := s.deindexItem(ctx, id); err != nil {
		return err
	}
	if _, err := s.Exec(ctx,
		`INSERT INTO items_fts (item_id, title, content) VALUES (?, ?, ?)`,
		id.String(), title, content,
	); err != nil {
		return fmt.Errorf("storage: index item: %w", err)
	}
	return nil
}

func (s *Store) deindexItem(ctx context.Context, id uuid.UUID) error {
	if s.backend != BackendSQLite {
		return nil
	}
	if _, err := s.Exec(ctx, `DELETE FROM items_fts WHERE item_id = ?`, id.String()); err != nil {
		return fmt.Errorf("storage: deindex item: %w", err)
	}
	return nil
}

// RebuildFTS drops every index row and re-registers undeleted items,
// purging ghost entries left by soft deletes. No-op on Postgres, where the
// expression index tracks the table directly.
func (s *Store) RebuildFTS(ctx context.Context) (int, error) {
	if s.backend != BackendSQLite {
		return 0, nil
	}
	if _, err := s.Exec(ctx, `DELETE FROM items_fts`); err != nil {
		return 0, fmt.Errorf("storage: clear fts: %w", err)
	}
	res, err := s.Exec(ctx, `
		INSERT INTO items_fts (item_id, title, content)
		SELECT id, title, content FROM items WHERE status != 'deleted'`)
	if err != nil {
		return 0, fmt.Errorf("storage: rebuild fts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
