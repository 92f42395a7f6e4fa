package storage

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// keyedMutex serializes callers per lock key within this process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]chan struct{})}
}

// acquire blocks until the key is free, the timeout elapses, or ctx is done.
func (k *keyedMutex) acquire(ctx context.Context, key string, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		k.mu.Lock()
		ch, held := k.locks[key]
		if !held {
			k.locks[key] = make(chan struct{})
			k.mu.Unlock()
			return nil
		}
		k.mu.Unlock()

		select {
		case <-ch:
			// Holder released; race for it again.
		case <-deadline.C:
			return ErrLockTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()
	if ch, ok := k.locks[key]; ok {
		delete(k.locks, key)
		close(ch)
	}
	k.mu.Unlock()
}

// lockKeyHash derives the 32-bit advisory lock id for Postgres from the
// lock key.
func lockKeyHash(key string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int64(int32(h.Sum32()))
}

// WithLock serializes fn against all other callers using the same key.
// On Postgres it additionally takes a session advisory lock on a dedicated
// connection so independent processes sharing the database serialize too.
// Acquisition is bounded by the configured lock timeout; expiry returns
// ErrLockTimeout (retryable).
func (s *Store) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := s.locks.acquire(ctx, key, s.lockTimeout); err != nil {
		return err
	}
	defer s.locks.release(key)

	if s.backend == BackendPostgres {
		conn, err := s.db.Connx(ctx)
		if err != nil {
			return fmt.Errorf("storage: advisory lock conn: %w", err)
		}
		defer conn.Close()

		lockID := lockKeyHash(key)
		lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
		_, err = conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, lockID)
		cancel()
		if err != nil {
			if lockCtx.Err() != nil {
				return ErrLockTimeout
			}
			return fmt.Errorf("storage: advisory lock: %w", err)
		}
		defer func() {
			// Unlock on a fresh context: the caller's may already be done.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, lockID); err != nil {
				s.logger.Warn("storage: advisory unlock failed", "key", key, "error", err)
			}
		}()
	}

	return fn()
}
