package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"invest-grid/internal/core"
	"invest-grid/internal/settle"
)

// Restore resumes a previous run: pending orders of the configured
// instruments go back into the book, and cash and positions are rebuilt by
// replaying the balance ledger on top of initialCash. Each instrument is
// marked at its last fill price until the first quote arrives.
func (r *Runner) Restore(initialCash decimal.Decimal) (int, error) {
	configured := make(map[string]struct{}, len(r.instruments))
	for _, inst := range r.instruments {
		configured[inst.FIGI] = struct{}{}
	}

	pending, err := r.ledger.PendingOrders("")
	if err != nil {
		return 0, fmt.Errorf("load pending orders: %w", err)
	}
	keep := make([]core.Order, 0, len(pending))
	for _, ord := range pending {
		if _, ok := configured[ord.InstrumentID]; !ok {
			r.log.Warn("restore_order_skipped", zap.String("order_id", ord.ID), zap.String("figi", ord.InstrumentID))
			continue
		}
		keep = append(keep, ord)
	}
	inserted, err := r.book.Insert(keep)
	if err != nil {
		return len(inserted), fmt.Errorf("restore book: %w", err)
	}

	entries, err := r.ledger.Balances()
	if err != nil {
		return len(inserted), fmt.Errorf("load balances: %w", err)
	}
	snap := settle.Snapshot{
		Cash:      initialCash,
		Positions: make(map[string]int64),
		Prices:    make(map[string]decimal.Decimal),
	}
	for _, e := range entries {
		fill := core.Order{InstrumentID: e.InstrumentID, Side: e.Side, Price: e.Price}
		snap.Cash = snap.Cash.Add(core.CashDelta(fill))
		snap.Positions[e.InstrumentID] += core.PositionDelta(fill)
		snap.Prices[e.InstrumentID] = e.Price
	}
	r.portfolio.Restore(snap)
	for _, inst := range r.instruments {
		r.metrics.SetOpenOrders(inst.FIGI, r.book.Len(inst.FIGI))
	}
	r.log.Info("runner_restored",
		zap.Int("pending_orders", len(inserted)),
		zap.Int("balance_entries", len(entries)),
		zap.String("cash", snap.Cash.String()),
	)
	return len(inserted), nil
}
