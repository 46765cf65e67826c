package grid

import (
	"errors"

	"github.com/shopspring/decimal"

	"invest-grid/internal/core"
)

var hundred = decimal.NewFromInt(100)

// Params describes a symmetric ladder: Size rungs per side, Step percent apart.
type Params struct {
	Size int
	Step decimal.Decimal
}

func (p Params) Validate() error {
	if p.Size < 1 {
		return errors.New("grid size must be >= 1")
	}
	if p.Step.Cmp(decimal.Zero) <= 0 {
		return errors.New("grid step must be > 0")
	}
	return nil
}

// Target is the number of pending orders a full grid holds.
func (p Params) Target() int {
	return p.Size * 2
}

// BuyPrice is the rung price below the anchor.
func (p Params) BuyPrice(anchor decimal.Decimal, rung int) decimal.Decimal {
	offset := p.Step.Mul(decimal.NewFromInt(int64(rung))).Div(hundred)
	return core.RoundPrice(anchor.Mul(decimal.NewFromInt(1).Sub(offset)))
}

// SellPrice is the rung price above the anchor.
func (p Params) SellPrice(anchor decimal.Decimal, rung int) decimal.Decimal {
	offset := p.Step.Mul(decimal.NewFromInt(int64(rung))).Div(hundred)
	return core.RoundPrice(anchor.Mul(decimal.NewFromInt(1).Add(offset)))
}

// Generate returns the rungs needed to bring the pending set back to a full
// grid around anchor. Returned orders carry no id; the book assigns them.
func Generate(inst core.Instrument, anchor decimal.Decimal, open []core.Order, p Params) []core.Order {
	if anchor.Cmp(decimal.Zero) <= 0 || p.Validate() != nil {
		return nil
	}
	var buys, sells int
	for _, ord := range open {
		if ord.Status != core.OrderPending {
			continue
		}
		if ord.Side == core.Buy {
			buys++
		} else {
			sells++
		}
	}
	target := p.Target()
	missing := target - buys - sells
	if missing <= 0 {
		return nil
	}

	out := make([]core.Order, 0, missing)
	for rung := 1; len(out) < missing; rung++ {
		if missing-len(out) == 1 {
			// An odd gap means a counter-order went missing; refill the thinner side only.
			side := core.Buy
			if buys+countSide(out, core.Buy) > sells+countSide(out, core.Sell) {
				side = core.Sell
			}
			out = append(out, rungOrder(inst, anchor, p, rung, side))
			break
		}
		out = append(out,
			rungOrder(inst, anchor, p, rung, core.Buy),
			rungOrder(inst, anchor, p, rung, core.Sell),
		)
	}
	return out
}

func rungOrder(inst core.Instrument, anchor decimal.Decimal, p Params, rung int, side core.Side) core.Order {
	price := p.BuyPrice(anchor, rung)
	if side == core.Sell {
		price = p.SellPrice(anchor, rung)
	}
	return core.Order{
		Rung:         rung,
		InstrumentID: inst.FIGI,
		Name:         inst.Name,
		Price:        price,
		Side:         side,
		Status:       core.OrderPending,
	}
}

func countSide(orders []core.Order, side core.Side) int {
	n := 0
	for _, ord := range orders {
		if ord.Side == side {
			n++
		}
	}
	return n
}
