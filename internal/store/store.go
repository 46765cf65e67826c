// Package store persists orders, balance entries and price snapshots.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"invest-grid/internal/core"
)

const (
	TypeCSV    = "csv"
	TypePebble = "pebble"
)

// OrderLedger is the durable order table. UpdateOrder replaces one record by id.
type OrderLedger interface {
	InsertOrders(orders []core.Order) error
	UpdateOrder(order core.Order) error
	FetchOrder(id string) (core.Order, error)
	PendingOrders(figi string) ([]core.Order, error)
}

type BalanceLedger interface {
	AppendBalance(entry core.BalanceEntry) error
	Balances() ([]core.BalanceEntry, error)
}

type QuoteLedger interface {
	AppendQuote(quote core.Quote) error
}

type Ledger interface {
	OrderLedger
	BalanceLedger
	QuoteLedger
	Close() error
}

// Open returns the ledger backend named by kind rooted at dir. A nil logger
// discards store warnings.
func Open(kind, dir string, logger *zap.Logger) (Ledger, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", TypeCSV:
		return NewCSV(dir, logger)
	case TypePebble:
		return OpenPebble(filepath.Join(dir, "ledger.db"))
	default:
		return nil, fmt.Errorf("unsupported storage type %q", kind)
	}
}

func validateEntry(entry core.BalanceEntry) error {
	if entry.OrderID == "" || entry.InstrumentID == "" {
		return fmt.Errorf("%w: balance entry needs order id and figi", core.ErrInvalidOrder)
	}
	if !entry.Side.Valid() {
		return fmt.Errorf("%w: balance entry side %q", core.ErrInvalidOrder, entry.Side)
	}
	return nil
}

// checkTransition rejects an update that would move a FILLED or CANCELLED
// order to any other status.
func checkTransition(stored, next core.Order) error {
	if stored.Status.Terminal() && next.Status != stored.Status {
		return fmt.Errorf("%w: order %s is %s, cannot become %s", core.ErrInvalidOrder, stored.ID, stored.Status, next.Status)
	}
	return nil
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it over path.
func writeFileAtomic(log *zap.Logger, path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	if err := write(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return fsyncDirBestEffort(log, dir, path)
}

func fsyncDirBestEffort(log *zap.Logger, dir, path string) error {
	d, err := os.Open(dir)
	if err != nil {
		log.Warn("store_dir_fsync_skipped", zap.Error(err), zap.String("dir", dir), zap.String("target", path))
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Warn("store_dir_fsync_failed", zap.Error(err), zap.String("dir", dir), zap.String("target", path))
	}
	return nil
}

func ensureDir(dir string) error {
	if dir == "" {
		return errors.New("data dir required")
	}
	return os.MkdirAll(dir, 0o755)
}
