// Package book holds the pending grid orders of every tracked instrument.
package book

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"invest-grid/internal/core"
)

// Book is the in-memory set of pending orders per instrument.
// All access is serialized by one mutex.
type Book struct {
	mu      sync.Mutex
	open    map[string][]core.Order
	owner   map[string]string
	retired map[string]struct{}
	newID   func() string
	log     *zap.Logger
}

func New(logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		open:    make(map[string][]core.Order),
		owner:   make(map[string]string),
		retired: make(map[string]struct{}),
		newID:   func() string { return uuid.NewString() },
		log:     logger,
	}
}

// Open returns a copy of the pending orders of one instrument in insertion order.
func (b *Book) Open(figi string) []core.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.open[figi]
	out := make([]core.Order, len(src))
	copy(out, src)
	return out
}

// Len is the number of pending orders of one instrument.
func (b *Book) Len(figi string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open[figi])
}

// Stamp gives freshly generated orders their process-unique ids. Orders of
// the same rung in one call share a LinkedID so a fill can find its counter-order.
func (b *Book) Stamp(orders []core.Order, at time.Time) []core.Order {
	if len(orders) == 0 {
		return nil
	}
	b.mu.Lock()
	batch := b.newID()
	out := make([]core.Order, len(orders))
	for i, ord := range orders {
		if ord.ID == "" {
			ord.ID = b.newID()
		}
		if ord.LinkedID == "" {
			ord.LinkedID = batch + ":" + strconv.Itoa(ord.Rung)
		}
		if ord.CreatedAt.IsZero() {
			ord.CreatedAt = at
		}
		ord.Status = core.OrderPending
		out[i] = ord
	}
	b.mu.Unlock()
	return out
}

// Insert appends stamped orders. Orders whose id is already pending or was
// retired are skipped and reported; the rest are inserted.
func (b *Book) Insert(orders []core.Order) ([]core.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inserted := make([]core.Order, 0, len(orders))
	var rejected []string
	for _, ord := range orders {
		if ord.ID == "" || ord.InstrumentID == "" {
			rejected = append(rejected, ord.ID)
			b.log.Warn("book_insert_rejected", zap.String("reason", "missing_id"), zap.String("figi", ord.InstrumentID))
			continue
		}
		if _, ok := b.owner[ord.ID]; ok {
			rejected = append(rejected, ord.ID)
			b.log.Warn("book_insert_rejected", zap.String("reason", "duplicate_id"), zap.String("order_id", ord.ID))
			continue
		}
		if _, ok := b.retired[ord.ID]; ok {
			rejected = append(rejected, ord.ID)
			b.log.Warn("book_insert_rejected", zap.String("reason", "retired_id"), zap.String("order_id", ord.ID))
			continue
		}
		if ord.Status != core.OrderPending {
			rejected = append(rejected, ord.ID)
			b.log.Warn("book_insert_rejected", zap.String("reason", "not_pending"), zap.String("order_id", ord.ID), zap.String("status", string(ord.Status)))
			continue
		}
		b.open[ord.InstrumentID] = append(b.open[ord.InstrumentID], ord)
		b.owner[ord.ID] = ord.InstrumentID
		inserted = append(inserted, ord)
	}
	if len(rejected) > 0 {
		return inserted, fmt.Errorf("%w: %d order(s) rejected", core.ErrDuplicateOrder, len(rejected))
	}
	return inserted, nil
}

// Remove evicts orders of one instrument by id. Removed ids are retired for
// the life of the book.
func (b *Book) Remove(figi string, ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.open[figi]
	kept := src[:0]
	removed := 0
	for _, ord := range src {
		if _, ok := drop[ord.ID]; ok {
			delete(b.owner, ord.ID)
			b.retired[ord.ID] = struct{}{}
			removed++
			continue
		}
		kept = append(kept, ord)
	}
	if len(kept) == 0 {
		delete(b.open, figi)
	} else {
		b.open[figi] = kept
	}
	return removed
}

// Update replaces the stored copy of a pending order, e.g. after the broker
// assigned its own id.
func (b *Book) Update(ord core.Order) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	orders := b.open[ord.InstrumentID]
	for i := range orders {
		if orders[i].ID == ord.ID {
			orders[i] = ord
			return true
		}
	}
	return false
}

// Snapshot copies every instrument's pending set.
func (b *Book) Snapshot() map[string][]core.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]core.Order, len(b.open))
	for figi, orders := range b.open {
		cp := make([]core.Order, len(orders))
		copy(cp, orders)
		out[figi] = cp
	}
	return out
}
