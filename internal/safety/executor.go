package safety

import (
	"context"

	"invest-grid/internal/core"
)

// Executor mirrors grid orders to a broker.
type Executor interface {
	PlaceLimitOrder(ctx context.Context, order core.Order) (brokerID string, err error)
	CancelOrder(ctx context.Context, brokerID string) error
}

// GuardedExecutor refuses calls while the matching circuit is open and feeds
// every outcome back into the breaker.
type GuardedExecutor struct {
	inner   Executor
	breaker *Breaker
}

func NewGuardedExecutor(inner Executor, breaker *Breaker) *GuardedExecutor {
	return &GuardedExecutor{inner: inner, breaker: breaker}
}

func (e *GuardedExecutor) PlaceLimitOrder(ctx context.Context, order core.Order) (string, error) {
	if err := e.breaker.Allow(ActionPlace); err != nil {
		return "", err
	}
	id, err := e.inner.PlaceLimitOrder(ctx, order)
	if trip := e.breaker.Record(ActionPlace, err); trip != nil {
		return id, trip
	}
	return id, err
}

func (e *GuardedExecutor) CancelOrder(ctx context.Context, brokerID string) error {
	if err := e.breaker.Allow(ActionCancel); err != nil {
		return err
	}
	err := e.inner.CancelOrder(ctx, brokerID)
	if trip := e.breaker.Record(ActionCancel, err); trip != nil {
		return trip
	}
	return err
}
