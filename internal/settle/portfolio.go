package settle

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"invest-grid/internal/core"
)

// Portfolio tracks cash, per-instrument lots and the last seen price of every
// instrument. One portfolio is created per run and shared by the runner and
// the status API.
type Portfolio struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]int64
	prices    map[string]decimal.Decimal
}

type Snapshot struct {
	Cash      decimal.Decimal            `json:"cash"`
	Value     decimal.Decimal            `json:"portfolio"`
	Positions map[string]int64           `json:"positions"`
	Prices    map[string]decimal.Decimal `json:"prices"`
}

func NewPortfolio(cash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:      cash,
		positions: make(map[string]int64),
		prices:    make(map[string]decimal.Decimal),
	}
}

// Mark records the latest price of an instrument. Non-positive prices are ignored.
func (p *Portfolio) Mark(figi string, price decimal.Decimal) {
	if price.Cmp(decimal.Zero) <= 0 {
		return
	}
	p.mu.Lock()
	p.prices[figi] = price
	p.mu.Unlock()
}

// Apply books one fill and returns the cash balance and portfolio value right after it.
func (p *Portfolio) Apply(order core.Order) (cash, value decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = p.cash.Add(core.CashDelta(order))
	p.positions[order.InstrumentID] += core.PositionDelta(order)
	return p.cash, p.valueLocked()
}

func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash
}

func (p *Portfolio) Position(figi string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[figi]
}

func (p *Portfolio) LastPrice(figi string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[figi]
	return price, ok
}

// Value is cash plus every position at its last recorded price.
func (p *Portfolio) Value() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.valueLocked()
}

func (p *Portfolio) valueLocked() decimal.Decimal {
	total := p.cash
	figis := make([]string, 0, len(p.positions))
	for figi := range p.positions {
		figis = append(figis, figi)
	}
	sort.Strings(figis)
	for _, figi := range figis {
		qty := p.positions[figi]
		if qty == 0 {
			continue
		}
		price, ok := p.prices[figi]
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(qty)))
	}
	return total
}

func (p *Portfolio) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := Snapshot{
		Cash:      p.cash,
		Value:     p.valueLocked(),
		Positions: make(map[string]int64, len(p.positions)),
		Prices:    make(map[string]decimal.Decimal, len(p.prices)),
	}
	for k, v := range p.positions {
		out.Positions[k] = v
	}
	for k, v := range p.prices {
		out.Prices[k] = v
	}
	return out
}

// Restore replaces the whole state, used when resuming from the ledger.
func (p *Portfolio) Restore(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = s.Cash
	p.positions = make(map[string]int64, len(s.Positions))
	for k, v := range s.Positions {
		p.positions[k] = v
	}
	p.prices = make(map[string]decimal.Decimal, len(s.Prices))
	for k, v := range s.Prices {
		p.prices[k] = v
	}
}
