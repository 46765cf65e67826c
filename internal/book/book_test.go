package book

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"invest-grid/internal/core"
	"invest-grid/internal/grid"
)

const figi = "BBG004730N88"

func generated(t *testing.T, anchor string) []core.Order {
	t.Helper()
	p := grid.Params{Size: 2, Step: decimal.RequireFromString("2")}
	return grid.Generate(core.Instrument{FIGI: figi, Name: "Sberbank"}, decimal.RequireFromString(anchor), nil, p)
}

func TestStampAssignsUniqueIDsAndPairsRungs(t *testing.T) {
	b := New(nil)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	first := b.Stamp(generated(t, "100"), at)
	second := b.Stamp(generated(t, "100"), at)

	seen := make(map[string]struct{})
	for _, ord := range append(append([]core.Order{}, first...), second...) {
		if ord.ID == "" {
			t.Fatalf("stamped order has empty id")
		}
		if ord.ID == "1" || ord.ID == "2" {
			t.Fatalf("stamped id reuses rung index: %q", ord.ID)
		}
		if _, ok := seen[ord.ID]; ok {
			t.Fatalf("duplicate id %q across batches", ord.ID)
		}
		seen[ord.ID] = struct{}{}
		if !ord.CreatedAt.Equal(at) {
			t.Fatalf("created_at = %s, want %s", ord.CreatedAt, at)
		}
	}
	if first[0].LinkedID != first[1].LinkedID {
		t.Fatalf("rung 1 pair linked ids differ: %q vs %q", first[0].LinkedID, first[1].LinkedID)
	}
	if first[0].LinkedID == first[2].LinkedID {
		t.Fatalf("rung 1 and rung 2 share linked id %q", first[0].LinkedID)
	}
	if first[0].LinkedID == second[0].LinkedID {
		t.Fatalf("batches share linked id %q", first[0].LinkedID)
	}
	if !strings.HasSuffix(first[2].LinkedID, ":2") {
		t.Fatalf("linked id %q does not carry rung", first[2].LinkedID)
	}
}

func TestInsertOpenRemove(t *testing.T) {
	b := New(nil)
	orders := b.Stamp(generated(t, "100"), time.Now())
	inserted, err := b.Insert(orders)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if len(inserted) != 4 || b.Len(figi) != 4 {
		t.Fatalf("inserted=%d open=%d, want 4/4", len(inserted), b.Len(figi))
	}
	open := b.Open(figi)
	for i := range orders {
		if open[i].ID != orders[i].ID {
			t.Fatalf("open[%d] = %s, want insertion order %s", i, open[i].ID, orders[i].ID)
		}
	}

	if n := b.Remove(figi, []string{orders[0].ID, orders[1].ID, "unknown"}); n != 2 {
		t.Fatalf("Remove() = %d, want 2", n)
	}
	open = b.Open(figi)
	if len(open) != 2 || open[0].ID != orders[2].ID {
		t.Fatalf("open after remove = %+v", open)
	}
}

func TestInsertRejectsDuplicateAndRetiredIDs(t *testing.T) {
	b := New(nil)
	orders := b.Stamp(generated(t, "100"), time.Now())
	if _, err := b.Insert(orders); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	inserted, err := b.Insert(orders[:1])
	if !errors.Is(err, core.ErrDuplicateOrder) {
		t.Fatalf("Insert(duplicate) error = %v, want %v", err, core.ErrDuplicateOrder)
	}
	if len(inserted) != 0 {
		t.Fatalf("Insert(duplicate) inserted = %d, want 0", len(inserted))
	}

	b.Remove(figi, []string{orders[0].ID})
	if _, err := b.Insert(orders[:1]); !errors.Is(err, core.ErrDuplicateOrder) {
		t.Fatalf("Insert(retired) error = %v, want %v", err, core.ErrDuplicateOrder)
	}
	for _, ord := range b.Open(figi) {
		if ord.ID == orders[0].ID {
			t.Fatalf("retired order reappeared in open set")
		}
	}
}

func TestInsertRejectsTerminalOrders(t *testing.T) {
	b := New(nil)
	orders := b.Stamp(generated(t, "100"), time.Now())
	orders[0].Status = core.OrderFilled
	inserted, err := b.Insert(orders)
	if err == nil {
		t.Fatalf("Insert() error = nil, want rejection")
	}
	if len(inserted) != 3 {
		t.Fatalf("inserted = %d, want 3", len(inserted))
	}
}

func TestOpenReturnsCopy(t *testing.T) {
	b := New(nil)
	if _, err := b.Insert(b.Stamp(generated(t, "100"), time.Now())); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	open := b.Open(figi)
	open[0].Price = decimal.RequireFromString("1")
	if b.Open(figi)[0].Price.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("Open() exposes internal storage")
	}
}

func TestUpdateReplacesPendingOrder(t *testing.T) {
	b := New(nil)
	orders := b.Stamp(generated(t, "100"), time.Now())
	if _, err := b.Insert(orders); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	ord := orders[1]
	ord.BrokerID = "broker-1"
	if !b.Update(ord) {
		t.Fatalf("Update() = false, want true")
	}
	if got := b.Open(figi)[1].BrokerID; got != "broker-1" {
		t.Fatalf("broker id = %q, want broker-1", got)
	}
	if b.Update(core.Order{ID: "missing", InstrumentID: figi}) {
		t.Fatalf("Update(missing) = true, want false")
	}
}
