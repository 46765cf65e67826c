// Package settle matches pending grid orders against the current price.
package settle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"invest-grid/internal/book"
	"invest-grid/internal/core"
)

// Result is everything one settlement pass changed. Filled and Cancelled
// carry their terminal status; Entries has one row per fill.
type Result struct {
	Filled    []core.Order
	Cancelled []core.Order
	Entries   []core.BalanceEntry
	Anomalies []string
}

func (r Result) Empty() bool {
	return len(r.Filled) == 0 && len(r.Cancelled) == 0
}

type Settler struct {
	Book      *book.Book
	Portfolio *Portfolio
	Log       *zap.Logger
}

func New(b *book.Book, p *Portfolio, logger *zap.Logger) *Settler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settler{Book: b, Portfolio: p, Log: logger}
}

// Eligible reports whether the order would fill at price.
func Eligible(order core.Order, price decimal.Decimal) bool {
	if order.Status != core.OrderPending {
		return false
	}
	switch order.Side {
	case core.Buy:
		return price.Cmp(order.Price) <= 0
	case core.Sell:
		return price.Cmp(order.Price) >= 0
	}
	return false
}

// Settle fills every eligible order of the instrument, cancels the paired
// counter-order of each fill and removes both from the book. A non-positive
// price leaves all state untouched.
func (s *Settler) Settle(figi string, price decimal.Decimal, at time.Time) Result {
	var res Result
	if price.Cmp(decimal.Zero) <= 0 {
		return res
	}
	open := s.Book.Open(figi)
	if len(open) == 0 {
		return res
	}
	s.Portfolio.Mark(figi, price)

	byLink := make(map[string][]int, len(open))
	for i, ord := range open {
		if ord.LinkedID == "" {
			continue
		}
		byLink[ord.LinkedID] = append(byLink[ord.LinkedID], i)
	}

	filledLinks := make(map[string]string)
	var filledIdx []int
	for i, ord := range open {
		if !Eligible(ord, price) {
			continue
		}
		if ord.LinkedID != "" {
			if first, ok := filledLinks[ord.LinkedID]; ok {
				msg := fmt.Sprintf("both sides of link %s eligible at %s; kept %s, cancelling %s", ord.LinkedID, price.String(), first, ord.ID)
				res.Anomalies = append(res.Anomalies, msg)
				s.Log.Warn("settle_gap_both_sides",
					zap.String("figi", figi),
					zap.String("linked_id", ord.LinkedID),
					zap.String("kept_id", first),
					zap.String("cancelled_id", ord.ID),
					zap.String("price", price.String()),
				)
				continue
			}
			filledLinks[ord.LinkedID] = ord.ID
		}
		filledIdx = append(filledIdx, i)
	}
	if len(filledIdx) == 0 {
		return res
	}

	filledIDs := make(map[string]struct{}, len(filledIdx))
	for _, i := range filledIdx {
		filledIDs[open[i].ID] = struct{}{}
	}

	for _, i := range filledIdx {
		ord := open[i]
		ord.Status = core.OrderFilled
		cash, value := s.Portfolio.Apply(ord)
		res.Filled = append(res.Filled, ord)
		res.Entries = append(res.Entries, core.BalanceEntry{
			OrderID:      ord.ID,
			InstrumentID: ord.InstrumentID,
			Name:         ord.Name,
			Side:         ord.Side,
			Price:        ord.Price,
			Account:      core.CashDelta(ord),
			Cash:         cash,
			Portfolio:    value,
			Time:         at,
		})
		s.Log.Info("order_filled",
			zap.String("figi", figi),
			zap.String("order_id", ord.ID),
			zap.String("side", string(ord.Side)),
			zap.String("order_price", ord.Price.String()),
			zap.String("price", price.String()),
			zap.String("cash", cash.String()),
		)
	}

	cancelled := make(map[string]struct{})
	for _, i := range filledIdx {
		ord := open[i]
		found := false
		for _, j := range byLink[ord.LinkedID] {
			counter := open[j]
			if counter.ID == ord.ID || counter.Side == ord.Side {
				continue
			}
			if _, ok := filledIDs[counter.ID]; ok {
				continue
			}
			found = true
			if _, ok := cancelled[counter.ID]; ok {
				continue
			}
			cancelled[counter.ID] = struct{}{}
			counter.Status = core.OrderCancelled
			res.Cancelled = append(res.Cancelled, counter)
		}
		if !found {
			s.Log.Warn("settle_counter_missing",
				zap.String("figi", figi),
				zap.String("order_id", ord.ID),
				zap.String("linked_id", ord.LinkedID),
			)
		}
	}
	remove := make([]string, 0, len(res.Filled)+len(res.Cancelled))
	for _, ord := range res.Filled {
		remove = append(remove, ord.ID)
	}
	for _, ord := range res.Cancelled {
		remove = append(remove, ord.ID)
	}
	s.Book.Remove(figi, remove)
	return res
}
