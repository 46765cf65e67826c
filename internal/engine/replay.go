package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"invest-grid/internal/quote"
)

// ReplayRunner drives a Runner from recorded quotes, one tick per frame.
// The Runner must read its prices from Source and its clock from Source.Now.
type ReplayRunner struct {
	Runner *Runner
	Source *quote.ReplaySource
	Logger *zap.Logger
}

type ReplayResult struct {
	Frames        int
	Fills         int64
	Cancellations int64
	QuoteMisses   int64
	StartTime     time.Time
	EndTime       time.Time
	Cash          decimal.Decimal
	Value         decimal.Decimal
	PeakValue     decimal.Decimal
	MaxDrawdown   decimal.Decimal
	Positions     map[string]int64
}

func (r *ReplayRunner) Run(ctx context.Context) (ReplayResult, error) {
	var result ReplayResult
	if r.Runner == nil || r.Source == nil {
		return result, errors.New("replay needs a runner and a source")
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	first := true
	for {
		if err := ctx.Err(); err != nil {
			return r.finish(result), err
		}
		frame, err := r.Source.Advance()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return r.finish(result), fmt.Errorf("replay frame %d: %w", result.Frames+1, err)
		}
		if first {
			result.StartTime = frame.Time
			first = false
		}
		result.EndTime = frame.Time
		result.Frames++
		if err := r.Runner.Tick(ctx); err != nil {
			return r.finish(result), err
		}

		value := r.Runner.portfolio.Value()
		if result.Frames == 1 || value.Cmp(result.PeakValue) > 0 {
			result.PeakValue = value
		}
		if dd := result.PeakValue.Sub(value); dd.Cmp(result.MaxDrawdown) > 0 {
			result.MaxDrawdown = dd
		}
	}
	result = r.finish(result)
	logger.Info("replay_finished",
		zap.Int("frames", result.Frames),
		zap.Int64("fills", result.Fills),
		zap.Int64("cancellations", result.Cancellations),
		zap.String("cash", result.Cash.String()),
		zap.String("value", result.Value.String()),
		zap.String("max_drawdown", result.MaxDrawdown.String()),
	)
	return result, nil
}

func (r *ReplayRunner) finish(result ReplayResult) ReplayResult {
	stats := r.Runner.Stats()
	snap := r.Runner.Portfolio()
	result.Fills = stats.Fills
	result.Cancellations = stats.Cancellations
	result.QuoteMisses = stats.QuoteMisses
	result.Cash = snap.Cash
	result.Value = snap.Value
	result.Positions = snap.Positions
	return result
}
