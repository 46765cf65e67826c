package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"invest-grid/internal/core"
)

var (
	orderHeader   = []string{"id", "linked_id", "rung", "figi", "asset_name", "price", "type", "status", "timestamp", "broker_id"}
	balanceHeader = []string{"id", "figi", "asset_name", "type", "price", "account", "cash", "portfolio", "timestamp"}
	assetHeader   = []string{"figi", "asset_name", "price", "timestamp"}
)

// CSV keeps the ledger in three header-prefixed files under one directory.
// Orders are appended on insert and the whole file is rewritten atomically
// on update.
//
// InsertOrders and UpdateOrder read the full orders.csv on every call, so
// per-tick I/O grows with the order history. Long unattended runs should use
// the pebble backend.
type CSV struct {
	dir string
	log *zap.Logger
	mu  sync.Mutex
}

func NewCSV(dir string, logger *zap.Logger) (*CSV, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSV{dir: dir, log: logger}, nil
}

func (s *CSV) ordersPath() string  { return filepath.Join(s.dir, "orders.csv") }
func (s *CSV) balancePath() string { return filepath.Join(s.dir, "balance.csv") }
func (s *CSV) assetsPath() string  { return filepath.Join(s.dir, "assets.csv") }

func (s *CSV) InsertOrders(orders []core.Order) error {
	if len(orders) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.loadOrdersLocked()
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing)+len(orders))
	for _, ord := range existing {
		seen[ord.ID] = struct{}{}
	}
	rows := make([][]string, 0, len(orders))
	for _, ord := range orders {
		if err := core.ValidateOrder(ord); err != nil {
			return err
		}
		if _, ok := seen[ord.ID]; ok {
			return fmt.Errorf("%w: %s", core.ErrDuplicateOrder, ord.ID)
		}
		seen[ord.ID] = struct{}{}
		rows = append(rows, encodeOrder(ord))
	}
	return appendRows(s.ordersPath(), orderHeader, rows)
}

func (s *CSV) UpdateOrder(order core.Order) error {
	if err := core.ValidateOrder(order); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	orders, err := s.loadOrdersLocked()
	if err != nil {
		return err
	}
	found := false
	for i := range orders {
		if orders[i].ID == order.ID {
			if err := checkTransition(orders[i], order); err != nil {
				return err
			}
			orders[i] = order
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, order.ID)
	}
	rows := make([][]string, 0, len(orders))
	for _, ord := range orders {
		rows = append(rows, encodeOrder(ord))
	}
	return writeFileAtomic(s.log, s.ordersPath(), func(w io.Writer) error {
		return writeRows(w, orderHeader, rows)
	})
}

func (s *CSV) FetchOrder(id string) (core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders, err := s.loadOrdersLocked()
	if err != nil {
		return core.Order{}, err
	}
	for _, ord := range orders {
		if ord.ID == id {
			return ord, nil
		}
	}
	return core.Order{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, id)
}

func (s *CSV) PendingOrders(figi string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders, err := s.loadOrdersLocked()
	if err != nil {
		return nil, err
	}
	out := make([]core.Order, 0)
	for _, ord := range orders {
		if ord.Status == core.OrderPending && (figi == "" || ord.InstrumentID == figi) {
			out = append(out, ord)
		}
	}
	return out, nil
}

func (s *CSV) AppendBalance(entry core.BalanceEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendRows(s.balancePath(), balanceHeader, [][]string{encodeBalance(entry)})
}

func (s *CSV) Balances() ([]core.BalanceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := readRows(s.balancePath())
	if err != nil {
		return nil, err
	}
	out := make([]core.BalanceEntry, 0, len(rows))
	for i, row := range rows {
		entry, err := decodeBalance(row)
		if err != nil {
			return nil, fmt.Errorf("balance.csv row %d: %w", i+2, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *CSV) AppendQuote(quote core.Quote) error {
	if quote.InstrumentID == "" {
		return errors.New("quote figi required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := []string{quote.InstrumentID, quote.Name, quote.Price.String(), formatTime(quote.Time)}
	return appendRows(s.assetsPath(), assetHeader, [][]string{row})
}

func (s *CSV) Close() error { return nil }

func (s *CSV) loadOrdersLocked() ([]core.Order, error) {
	rows, err := readRows(s.ordersPath())
	if err != nil {
		return nil, err
	}
	out := make([]core.Order, 0, len(rows))
	for i, row := range rows {
		ord, err := decodeOrder(row)
		if err != nil {
			return nil, fmt.Errorf("orders.csv row %d: %w", i+2, err)
		}
		out = append(out, ord)
	}
	return out, nil
}

func encodeOrder(o core.Order) []string {
	return []string{
		o.ID,
		o.LinkedID,
		strconv.Itoa(o.Rung),
		o.InstrumentID,
		o.Name,
		o.Price.String(),
		string(o.Side),
		string(o.Status),
		formatTime(o.CreatedAt),
		o.BrokerID,
	}
}

func decodeOrder(row []string) (core.Order, error) {
	if len(row) < len(orderHeader)-1 {
		return core.Order{}, fmt.Errorf("%w: %d columns", core.ErrInvalidOrder, len(row))
	}
	rung, err := strconv.Atoi(row[2])
	if err != nil {
		return core.Order{}, fmt.Errorf("%w: rung %q", core.ErrInvalidOrder, row[2])
	}
	price, err := decimal.NewFromString(row[5])
	if err != nil {
		return core.Order{}, fmt.Errorf("%w: price %q", core.ErrInvalidOrder, row[5])
	}
	ts, err := parseTime(row[8])
	if err != nil {
		return core.Order{}, fmt.Errorf("%w: timestamp %q", core.ErrInvalidOrder, row[8])
	}
	ord := core.Order{
		ID:           row[0],
		LinkedID:     row[1],
		Rung:         rung,
		InstrumentID: row[3],
		Name:         row[4],
		Price:        price,
		Side:         core.Side(row[6]),
		Status:       core.OrderStatus(row[7]),
		CreatedAt:    ts,
	}
	if len(row) > 9 {
		ord.BrokerID = row[9]
	}
	if err := core.ValidateOrder(ord); err != nil {
		return core.Order{}, err
	}
	return ord, nil
}

func encodeBalance(e core.BalanceEntry) []string {
	return []string{
		e.OrderID,
		e.InstrumentID,
		e.Name,
		string(e.Side),
		e.Price.String(),
		e.Account.String(),
		e.Cash.String(),
		e.Portfolio.String(),
		formatTime(e.Time),
	}
}

func decodeBalance(row []string) (core.BalanceEntry, error) {
	if len(row) != len(balanceHeader) {
		return core.BalanceEntry{}, fmt.Errorf("%w: %d columns", core.ErrInvalidOrder, len(row))
	}
	nums := make([]decimal.Decimal, 4)
	for i := range nums {
		v, err := decimal.NewFromString(row[4+i])
		if err != nil {
			return core.BalanceEntry{}, fmt.Errorf("%w: %s %q", core.ErrInvalidOrder, balanceHeader[4+i], row[4+i])
		}
		nums[i] = v
	}
	ts, err := parseTime(row[8])
	if err != nil {
		return core.BalanceEntry{}, fmt.Errorf("%w: timestamp %q", core.ErrInvalidOrder, row[8])
	}
	entry := core.BalanceEntry{
		OrderID:      row[0],
		InstrumentID: row[1],
		Name:         row[2],
		Side:         core.Side(row[3]),
		Price:        nums[0],
		Account:      nums[1],
		Cash:         nums[2],
		Portfolio:    nums[3],
		Time:         ts,
	}
	if err := validateEntry(entry); err != nil {
		return core.BalanceEntry{}, err
	}
	return entry, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// readRows returns the data rows of a CSV file without its header. A missing
// file has no rows.
func readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[1:], nil
}

func appendRows(path string, header []string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		if err := writeRows(f, header, rows); err != nil {
			return err
		}
	} else if err := writeRows(f, nil, rows); err != nil {
		return err
	}
	return f.Sync()
}

func writeRows(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if header != nil {
		if err := cw.Write(header); err != nil {
			return err
		}
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}
