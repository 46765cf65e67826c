package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	OrderPending   OrderStatus = "PENDING"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderFilled, OrderCancelled:
		return true
	}
	return false
}

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

type Instrument struct {
	FIGI string `yaml:"figi" json:"figi"`
	Name string `yaml:"name" json:"name"`
}

// Order is one grid rung on one side.
type Order struct {
	ID           string          `json:"id"`
	LinkedID     string          `json:"linked_id"`
	Rung         int             `json:"rung"`
	InstrumentID string          `json:"figi"`
	Name         string          `json:"asset_name"`
	Price        decimal.Decimal `json:"price"`
	Side         Side            `json:"type"`
	Status       OrderStatus     `json:"status"`
	CreatedAt    time.Time       `json:"timestamp"`
	BrokerID     string          `json:"broker_id,omitempty"`
}

// Quote is an append-only price snapshot written once per tick per instrument.
type Quote struct {
	InstrumentID string          `json:"figi"`
	Name         string          `json:"asset_name"`
	Price        decimal.Decimal `json:"price"`
	Time         time.Time       `json:"timestamp"`
}

// BalanceEntry captures the portfolio right after one fill.
type BalanceEntry struct {
	OrderID      string          `json:"id"`
	InstrumentID string          `json:"figi"`
	Name         string          `json:"asset_name"`
	Side         Side            `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Account      decimal.Decimal `json:"account"`
	Cash         decimal.Decimal `json:"cash"`
	Portfolio    decimal.Decimal `json:"portfolio"`
	Time         time.Time       `json:"timestamp"`
}
