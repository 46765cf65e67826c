// Package quote provides the price sources the engine polls each tick.
package quote

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source reports the current price of an instrument. A missing, failed or
// timed out quote is reported as absent, never as an error.
type Source interface {
	CurrentPrice(ctx context.Context, figi string) (decimal.Decimal, bool)
}

// PriceClient is the broker surface BrokerSource polls.
type PriceClient interface {
	LastPrice(ctx context.Context, figi string) (decimal.Decimal, error)
}

// BrokerSource polls the broker REST API for every quote.
type BrokerSource struct {
	client PriceClient
	log    *zap.Logger
}

func NewBrokerSource(client PriceClient, logger *zap.Logger) *BrokerSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrokerSource{client: client, log: logger}
}

func (s *BrokerSource) CurrentPrice(ctx context.Context, figi string) (decimal.Decimal, bool) {
	price, err := s.client.LastPrice(ctx, figi)
	if err != nil {
		event := "quote_fetch_failed"
		if errors.Is(err, context.DeadlineExceeded) {
			event = "quote_fetch_timeout"
		}
		s.log.Warn(event, zap.String("figi", figi), zap.Error(err))
		return decimal.Zero, false
	}
	if price.Sign() <= 0 {
		return decimal.Zero, false
	}
	return price, true
}

// Timeout bounds every fetch of the wrapped source.
type Timeout struct {
	Source Source
	Limit  time.Duration
}

func WithTimeout(src Source, limit time.Duration) Source {
	if limit <= 0 {
		return src
	}
	return Timeout{Source: src, Limit: limit}
}

func (t Timeout) CurrentPrice(ctx context.Context, figi string) (decimal.Decimal, bool) {
	ctx, cancel := context.WithTimeout(ctx, t.Limit)
	defer cancel()

	type result struct {
		price decimal.Decimal
		ok    bool
	}
	done := make(chan result, 1)
	go func() {
		price, ok := t.Source.CurrentPrice(ctx, figi)
		done <- result{price, ok}
	}()
	select {
	case r := <-done:
		return r.price, r.ok
	case <-ctx.Done():
		return decimal.Zero, false
	}
}

// Static serves fixed prices. It backs tests and dry runs.
type Static map[string]decimal.Decimal

func (s Static) CurrentPrice(_ context.Context, figi string) (decimal.Decimal, bool) {
	price, ok := s[figi]
	if !ok || price.Sign() <= 0 {
		return decimal.Zero, false
	}
	return price, true
}
