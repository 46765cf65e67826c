package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundPriceUsesTwoPlaces(t *testing.T) {
	got := RoundPrice(decimal.RequireFromString("97.9951"))
	if !got.Equal(decimal.RequireFromString("98")) {
		t.Fatalf("RoundPrice() = %s, want 98", got)
	}
	got = RoundPrice(decimal.RequireFromString("101.234"))
	if !got.Equal(decimal.RequireFromString("101.23")) {
		t.Fatalf("RoundPrice() = %s, want 101.23", got)
	}
}

func TestValidateOrder(t *testing.T) {
	valid := Order{
		ID:           "a",
		InstrumentID: "BBG004730N88",
		Side:         Buy,
		Status:       OrderPending,
		Price:        decimal.RequireFromString("98"),
	}
	if err := ValidateOrder(valid); err != nil {
		t.Fatalf("ValidateOrder() error = %v", err)
	}

	cases := map[string]func(o *Order){
		"missing id":   func(o *Order) { o.ID = "" },
		"missing figi": func(o *Order) { o.InstrumentID = "" },
		"bad side":     func(o *Order) { o.Side = "HOLD" },
		"bad status":   func(o *Order) { o.Status = "NEW" },
		"zero price":   func(o *Order) { o.Price = decimal.Zero },
	}
	for name, mutate := range cases {
		order := valid
		mutate(&order)
		if err := ValidateOrder(order); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("%s: ValidateOrder() error = %v, want %v", name, err, ErrInvalidOrder)
		}
	}
}

func TestCashAndPositionDelta(t *testing.T) {
	buy := Order{Side: Buy, Price: decimal.RequireFromString("98")}
	sell := Order{Side: Sell, Price: decimal.RequireFromString("102")}
	if got := CashDelta(buy); !got.Equal(decimal.RequireFromString("-98")) {
		t.Fatalf("CashDelta(buy) = %s, want -98", got)
	}
	if got := CashDelta(sell); !got.Equal(decimal.RequireFromString("102")) {
		t.Fatalf("CashDelta(sell) = %s, want 102", got)
	}
	if PositionDelta(buy) != 1 || PositionDelta(sell) != -1 {
		t.Fatalf("PositionDelta() = %d/%d, want 1/-1", PositionDelta(buy), PositionDelta(sell))
	}
}
