package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PricePlaces is the fixed rounding applied to every generated limit price.
const PricePlaces = 2

func RoundPrice(value decimal.Decimal) decimal.Decimal {
	return value.Round(PricePlaces)
}

// ValidateOrder checks the fields every persisted order must carry.
func ValidateOrder(order Order) error {
	if order.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidOrder)
	}
	if order.InstrumentID == "" {
		return fmt.Errorf("%w: figi is required", ErrInvalidOrder)
	}
	if !order.Side.Valid() {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, order.Side)
	}
	if !order.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidOrder, order.Status)
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: price must be > 0", ErrInvalidOrder)
	}
	return nil
}

// CashDelta is the realized cash change of filling the order once.
func CashDelta(order Order) decimal.Decimal {
	if order.Side == Buy {
		return order.Price.Neg()
	}
	return order.Price
}

// PositionDelta is the position change in lots of filling the order once.
func PositionDelta(order Order) int64 {
	if order.Side == Buy {
		return 1
	}
	return -1
}
