package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kioku-ai/kioku/internal/model"
)

// SnapshotItem writes the item's current state to the history table. Called
// before any content-changing update so every prior version is recoverable.
func (s *Store) SnapshotItem(ctx context.Context, item *model.MemoryItem, reason string) error {
	_, err := s.Exec(ctx, `
		INSERT INTO item_history
			(item_id, version, title, content, tags, content_hash,
			 usefulness_score, updated_at, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Version, item.Title, item.Content, item.Tags,
		item.ContentHash, item.UsefulnessScore, item.UpdatedAt, reason,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: snapshot item: %w", err)
	}
	return nil
}

// ItemHistory returns prior versions of an item, newest first.
func (s *Store) ItemHistory(ctx context.Context, id uuid.UUID, limit int) ([]model.HistorySnapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var snaps []model.HistorySnapshot
	err := s.Query(ctx, &snaps, `
		SELECT id, item_id, version, title, content, tags, content_hash,
			usefulness_score, updated_at, reason, created_at
		FROM item_history
		WHERE item_id = ?
		ORDER BY version DESC
		LIMIT ?`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: item history: %w", err)
	}
	return snaps, nil
}

// DeleteItemHistory removes all snapshots of an item. Used when a deleted
// item is purged for good.
func (s *Store) DeleteItemHistory(ctx context.Context, id uuid.UUID) error {
	if _, err := s.Exec(ctx, `DELETE FROM item_history WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("storage: delete item history: %w", err)
	}
	return nil
}
