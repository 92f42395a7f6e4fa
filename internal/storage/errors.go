package storage

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrLockTimeout is returned when a WithLock acquisition exceeds the
// configured timeout. It is classified retryable.
var ErrLockTimeout = errors.New("storage: lock acquisition timeout")

// retryableFragments are backend error strings that indicate a transient
// conflict rather than a broken operation.
var retryableFragments = []string{
	"database is locked",
	"busy",
	"deadlock",
	"could not serialize",
}

// IsRetryable classifies storage errors. Serialization failures, deadlocks,
// and SQLite busy/locked states are transient; everything else is fatal for
// the operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001": // serialization_failure
			return true
		case "40P01": // deadlock_detected
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range retryableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
