package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
)

const linkColumns = `id, from_id, to_id, relation, weight, metadata, created_at`

// UpsertLink creates the edge or refreshes the weight and metadata of an
// existing (from, to, relation) edge.
func (s *Store) UpsertLink(ctx context.Context, link *model.MemoryLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	_, err := s.Exec(ctx, `
		INSERT INTO links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (from_id, to_id, relation)
		DO UPDATE SET weight = excluded.weight, metadata = excluded.metadata`,
		link.ID, link.FromID, link.ToID, link.Relation, link.Weight,
		link.Metadata, link.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert link: %w", err)
	}
	return nil
}

// LinksFrom returns outgoing edges of an item.
func (s *Store) LinksFrom(ctx context.Context, id uuid.UUID) ([]model.MemoryLink, error) {
	var links []model.MemoryLink
	err := s.Query(ctx, &links,
		`SELECT `+linkColumns+` FROM links WHERE from_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: links from: %w", err)
	}
	return links, nil
}

// LinksTouching returns all edges where the item appears on either end.
func (s *Store) LinksTouching(ctx context.Context, id uuid.UUID) ([]model.MemoryLink, error) {
	var links []model.MemoryLink
	err := s.Query(ctx, &links,
		`SELECT `+linkColumns+` FROM links WHERE from_id = ? OR to_id = ?`, id, id)
	if err != nil {
		return nil, fmt.Errorf("storage: links touching: %w", err)
	}
	return links, nil
}

// DeleteLinksTouching removes every edge involving the item. Returns the
// number of edges removed.
func (s *Store) DeleteLinksTouching(ctx context.Context, id uuid.UUID) (int, error) {
	res, err := s.Exec(ctx, `DELETE FROM links WHERE from_id = ? OR to_id = ?`, id, id)
	if err != nil {
		return 0, fmt.Errorf("storage: delete links: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteDanglingLinks removes edges whose endpoints no longer resolve to a
// live (non-deleted) item. Returns the number of edges removed.
func (s *Store) DeleteDanglingLinks(ctx context.Context) (int, error) {
	res, err := s.Exec(ctx, `
		DELETE FROM links WHERE
			from_id NOT IN (SELECT id FROM items WHERE status != 'deleted')
			OR to_id NOT IN (SELECT id FROM items WHERE status != 'deleted')`)
	if err != nil {
		return 0, fmt.Errorf("storage: delete dangling links: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountLinks counts edges within a tenant/project scope by joining through
// the source item.
func (s *Store) CountLinks(ctx context.Context, tenant, project string) (int, error) {
	var n int
	err := s.QueryOne(ctx, &n, `
		SELECT COUNT(*) FROM links l
		JOIN items i ON i.id = l.from_id
		WHERE i.tenant = ? AND i.project = ?`, tenant, project)
	if err != nil {
		return 0, fmt.Errorf("storage: count links: %w", err)
	}
	return n, nil
}
