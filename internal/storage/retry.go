package storage

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	retryMaxAttempts = 5
	retryBaseDelay   = 100 * time.Millisecond
	retryMaxDelay    = 5 * time.Second
	retryJitter      = 100 * time.Millisecond
)

// WithRetry executes fn, retrying on retryable errors up to 5 attempts with
// exponential backoff starting at 100ms, capped at 5s, with ±100ms jitter.
func WithRetry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt == retryMaxAttempts {
			return err
		}
		jitter := time.Duration(rand.Int64N(int64(2*retryJitter))) - retryJitter //nolint:gosec // jitter doesn't need crypto-strength randomness
		sleep := delay + jitter
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}
