package storage

import (
	"context"
	"fmt"
	"strconv"
)

// GetMeta reads a key from the meta table; missing keys return "".
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.QueryOne(ctx, &value, `SELECT value FROM meta WHERE key = ?`, key)
	if err == ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storage: get meta: %w", err)
	}
	return value, nil
}

// SetMeta writes a key in the meta table.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.Exec(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set meta: %w", err)
	}
	return nil
}

// IncrMeta adds delta to an integer-valued meta key and returns the new
// value. A missing or unparsable key counts as zero.
func (s *Store) IncrMeta(ctx context.Context, key string, delta int) (int, error) {
	raw, err := s.GetMeta(ctx, key)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(raw)
	n += delta
	if err := s.SetMeta(ctx, key, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, nil
}
