package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"invest-grid/internal/core"
)

// ErrPersistence marks a ledger write that still failed after every retry.
var ErrPersistence = errors.New("persistence failed")

type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
	MaxWait  time.Duration
	Logger   *zap.Logger
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 200 * time.Millisecond, MaxWait: 2 * time.Second}
}

// Retry runs fn until it succeeds, the attempts are used up or ctx ends.
// Validation and duplicate errors are not retried. Any final failure wraps
// ErrPersistence.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	wait := p.Backoff
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if permanent(err) {
			return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
		}
		if attempt == attempts {
			break
		}
		log.Warn("store_retry",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %w", ErrPersistence, op, ctx.Err())
			}
			wait *= 2
			if p.MaxWait > 0 && wait > p.MaxWait {
				wait = p.MaxWait
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempt(s): %w", ErrPersistence, op, attempts, err)
}

func permanent(err error) bool {
	return errors.Is(err, core.ErrInvalidOrder) ||
		errors.Is(err, core.ErrDuplicateOrder) ||
		errors.Is(err, core.ErrOrderNotFound)
}
