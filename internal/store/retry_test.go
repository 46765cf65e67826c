package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"invest-grid/internal/core"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	obs, logs := observer.New(zap.WarnLevel)
	calls := 0
	policy := RetryPolicy{Attempts: 3, Backoff: time.Millisecond, Logger: zap.New(obs)}
	err := Retry(context.Background(), policy, "insert", func() error {
		calls++
		if calls < 3 {
			return errors.New("disk busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got := logs.FilterMessage("store_retry").Len(); got != 2 {
		t.Fatalf("store_retry logs = %d, want 2", got)
	}
}

func TestRetryExhaustedWrapsPersistence(t *testing.T) {
	cause := errors.New("disk full")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 2, Backoff: time.Millisecond}, "append_balance", func() error {
		calls++
		return cause
	})
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, cause) {
		t.Fatalf("Retry() error = %v, want ErrPersistence wrapping cause", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Backoff: time.Millisecond}, "update", func() error {
		calls++
		return fmt.Errorf("%w: x", core.ErrOrderNotFound)
	})
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("Retry() error = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryPolicy{Attempts: 3, Backoff: time.Hour}, "insert", func() error {
		return errors.New("disk busy")
	})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrPersistence) {
		t.Fatalf("Retry() error = %v, want canceled persistence error", err)
	}
}
