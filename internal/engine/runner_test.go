package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"invest-grid/internal/core"
	"invest-grid/internal/grid"
	"invest-grid/internal/store"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var (
	instA = core.Instrument{FIGI: "A", Name: "Alpha"}
	instB = core.Instrument{FIGI: "B", Name: "Beta"}
)

// scriptSource serves one scripted price per call and instrument; "" is absent.
type scriptSource struct {
	mu     sync.Mutex
	script map[string][]string
	calls  map[string]int
	onCall func()
}

func newScript(script map[string][]string) *scriptSource {
	return &scriptSource{script: script, calls: make(map[string]int)}
}

func (s *scriptSource) CurrentPrice(_ context.Context, figi string) (decimal.Decimal, bool) {
	s.mu.Lock()
	i := s.calls[figi]
	s.calls[figi]++
	prices := s.script[figi]
	onCall := s.onCall
	s.mu.Unlock()
	if onCall != nil {
		onCall()
	}
	if i >= len(prices) {
		if len(prices) == 0 {
			return decimal.Zero, false
		}
		i = len(prices) - 1
	}
	if prices[i] == "" {
		return decimal.Zero, false
	}
	return d(prices[i]), true
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *alertSpy) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

// failingLedger fails InsertOrders for the instruments in fail and
// UpdateOrder for the instruments in failUpdate.
type failingLedger struct {
	store.Ledger
	mu         sync.Mutex
	fail       map[string]bool
	failUpdate map[string]bool
}

func (f *failingLedger) UpdateOrder(order core.Order) error {
	f.mu.Lock()
	fail := f.failUpdate[order.InstrumentID]
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Ledger.UpdateOrder(order)
}

func (f *failingLedger) InsertOrders(orders []core.Order) error {
	f.mu.Lock()
	fail := len(orders) > 0 && f.fail[orders[0].InstrumentID]
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Ledger.InsertOrders(orders)
}

func newLedger(t *testing.T, dir string) store.Ledger {
	t.Helper()
	ledger, err := store.NewCSV(dir, nil)
	if err != nil {
		t.Fatalf("NewCSV() error = %v", err)
	}
	return ledger
}

func fixedClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	if opts.Grid.Size == 0 {
		opts.Grid = grid.Params{Size: 2, Step: d("2")}
	}
	if opts.Now == nil {
		opts.Now = fixedClock()
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = store.RetryPolicy{Attempts: 2}
	}
	r, err := NewRunner(opts)
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return r
}

func prices(orders []core.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, string(o.Side)+o.Price.StringFixed(2))
	}
	sort.Strings(out)
	return out
}

func TestNewRunnerValidates(t *testing.T) {
	ledger := newLedger(t, t.TempDir())
	src := newScript(nil)
	cases := []Options{
		{Grid: grid.Params{Size: 2, Step: d("2")}, Source: src, Ledger: ledger},
		{Instruments: []core.Instrument{instA, instA}, Grid: grid.Params{Size: 2, Step: d("2")}, Source: src, Ledger: ledger},
		{Instruments: []core.Instrument{instA}, Grid: grid.Params{Size: 0, Step: d("2")}, Source: src, Ledger: ledger},
		{Instruments: []core.Instrument{instA}, Grid: grid.Params{Size: 2, Step: d("2")}, Ledger: ledger},
		{Instruments: []core.Instrument{instA}, Grid: grid.Params{Size: 2, Step: d("2")}, Source: src},
	}
	for i, opts := range cases {
		if _, err := NewRunner(opts); err == nil {
			t.Fatalf("case %d: NewRunner() error = nil, want error", i)
		}
	}
}

func TestTickFillsAndRebuildsGrid(t *testing.T) {
	ledger := newLedger(t, t.TempDir())
	src := newScript(map[string][]string{"A": {"100", "97.5"}})
	r := newRunner(t, Options{Instruments: []core.Instrument{instA}, Source: src, Ledger: ledger})
	ctx := context.Background()

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick() #1 error = %v", err)
	}
	want := []string{"BUY96.00", "BUY98.00", "SELL102.00", "SELL104.00"}
	if got := prices(r.OpenOrders("A")); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("open after tick 1 = %v, want %v", got, want)
	}
	pending, err := ledger.PendingOrders("A")
	if err != nil || len(pending) != 4 {
		t.Fatalf("PendingOrders() = %d, %v, want 4", len(pending), err)
	}

	var buy98, sell102 core.Order
	for _, o := range r.OpenOrders("A") {
		switch o.Price.StringFixed(2) {
		case "98.00":
			buy98 = o
		case "102.00":
			sell102 = o
		}
	}
	if buy98.LinkedID == "" || buy98.LinkedID != sell102.LinkedID {
		t.Fatalf("rung 1 orders not paired: %q vs %q", buy98.LinkedID, sell102.LinkedID)
	}

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick() #2 error = %v", err)
	}
	snap := r.Portfolio()
	if !snap.Cash.Equal(d("-98")) || !snap.Value.Equal(d("-0.5")) || snap.Positions["A"] != 1 {
		t.Fatalf("portfolio = cash %s value %s pos %d, want -98 -0.5 1", snap.Cash, snap.Value, snap.Positions["A"])
	}
	want = []string{"BUY95.55", "BUY96.00", "SELL104.00", "SELL99.45"}
	if got := prices(r.OpenOrders("A")); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("open after tick 2 = %v, want %v", got, want)
	}

	filled, err := ledger.FetchOrder(buy98.ID)
	if err != nil || filled.Status != core.OrderFilled {
		t.Fatalf("FetchOrder(buy98) = %s, %v, want FILLED", filled.Status, err)
	}
	cancelled, err := ledger.FetchOrder(sell102.ID)
	if err != nil || cancelled.Status != core.OrderCancelled {
		t.Fatalf("FetchOrder(sell102) = %s, %v, want CANCELLED", cancelled.Status, err)
	}
	entries, err := ledger.Balances()
	if err != nil || len(entries) != 1 {
		t.Fatalf("Balances() = %d, %v, want 1 entry", len(entries), err)
	}
	if e := entries[0]; !e.Account.Equal(d("-98")) || !e.Cash.Equal(d("-98")) || !e.Portfolio.Equal(d("-0.5")) {
		t.Fatalf("balance entry = %+v", e)
	}
	stats := r.Stats()
	if stats.Ticks != 2 || stats.Fills != 1 || stats.Cancellations != 1 {
		t.Fatalf("Stats() = %+v", stats)
	}
}

func TestTickAbsentQuoteSkipsInstrument(t *testing.T) {
	ledger := newLedger(t, t.TempDir())
	src := newScript(map[string][]string{"A": {""}, "B": {"50"}})
	r := newRunner(t, Options{Instruments: []core.Instrument{instA, instB}, Source: src, Ledger: ledger})

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if n := len(r.OpenOrders("A")); n != 0 {
		t.Fatalf("open(A) = %d, want 0", n)
	}
	if n := len(r.OpenOrders("B")); n != 4 {
		t.Fatalf("open(B) = %d, want 4", n)
	}
	if got := r.Stats().QuoteMisses; got != 1 {
		t.Fatalf("QuoteMisses = %d, want 1", got)
	}
	if !r.Portfolio().Cash.IsZero() {
		t.Fatalf("cash changed on absent quote")
	}
}

func TestTickStateDuringFetch(t *testing.T) {
	ledger := newLedger(t, t.TempDir())
	src := newScript(map[string][]string{"A": {"100"}})
	r := newRunner(t, Options{Instruments: []core.Instrument{instA}, Source: src, Ledger: ledger})
	var during State
	src.onCall = func() { during = r.State() }

	if r.State() != StateIdle {
		t.Fatalf("State() before tick = %s, want IDLE", r.State())
	}
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if during != StateTickInProgress {
		t.Fatalf("State() during fetch = %s, want TICK_IN_PROGRESS", during)
	}
	if r.State() != StateIdle {
		t.Fatalf("State() after tick = %s, want IDLE", r.State())
	}
}

func TestPersistenceFailureHaltsInstrument(t *testing.T) {
	ledger := &failingLedger{Ledger: newLedger(t, t.TempDir()), fail: map[string]bool{"A": true}}
	src := newScript(map[string][]string{"A": {"100"}, "B": {"50"}})
	alerts := &alertSpy{}
	r := newRunner(t, Options{Instruments: []core.Instrument{instA, instB}, Source: src, Ledger: ledger, Alerts: alerts})
	ctx := context.Background()

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v, want nil with one instrument left", err)
	}
	halted := r.Halted()
	if err, ok := halted["A"]; !ok || !errors.Is(err, ErrInstrumentHalted) || !errors.Is(err, store.ErrPersistence) {
		t.Fatalf("Halted()[A] = %v, want halted persistence error", err)
	}
	if _, ok := halted["B"]; ok {
		t.Fatalf("B halted, want running")
	}
	if !alerts.has("instrument_halted") {
		t.Fatalf("no instrument_halted alert, got %v", alerts.events)
	}
	if got := r.Status().Halted; len(got) != 1 || got[0] != "A" {
		t.Fatalf("Status().Halted = %v, want [A]", got)
	}

	ledger.mu.Lock()
	ledger.fail["B"] = true
	ledger.mu.Unlock()
	src.mu.Lock()
	src.script["B"] = []string{"30"}
	src.calls["B"] = 0
	src.mu.Unlock()
	if err := r.Tick(ctx); !errors.Is(err, ErrAllHalted) {
		t.Fatalf("Tick() error = %v, want ErrAllHalted", err)
	}
}

func TestRunStopsWhenAllHalted(t *testing.T) {
	dir := t.TempDir()
	ledger := &failingLedger{Ledger: newLedger(t, dir), fail: map[string]bool{"A": true}}
	statusFile, err := store.NewStatusFile(dir, nil)
	if err != nil {
		t.Fatalf("NewStatusFile() error = %v", err)
	}
	r := newRunner(t, Options{
		Instruments: []core.Instrument{instA},
		Source:      newScript(map[string][]string{"A": {"100"}}),
		Ledger:      ledger,
		Interval:    10 * time.Millisecond,
		Status:      statusFile,
		StatusInfo:  store.RuntimeStatus{Mode: "live", TradeMode: "test", Storage: "csv"},
	})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrAllHalted) {
			t.Fatalf("Run() error = %v, want ErrAllHalted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not stop")
	}
	st, ok, err := statusFile.Load()
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if st.State != "stopped" || !strings.Contains(st.LastError, "all instruments halted") || st.TradeMode != "test" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRunner(t, Options{
		Instruments: []core.Instrument{instA},
		Source:      newScript(map[string][]string{"A": {"100"}}),
		Ledger:      newLedger(t, t.TempDir()),
		Interval:    5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for r.Stats().Ticks < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("runner ticked %d times, want 3", r.Stats().Ticks)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop after cancel")
	}
	if n := len(r.OpenOrders("A")); n != 4 {
		t.Fatalf("open = %d, want a full grid of 4", n)
	}
	if r.State() != StateIdle {
		t.Fatalf("State() = %s, want IDLE", r.State())
	}
}

func TestRestoreResumesFromLedger(t *testing.T) {
	dir := t.TempDir()
	first := newRunner(t, Options{
		Instruments: []core.Instrument{instA},
		Source:      newScript(map[string][]string{"A": {"100", "97.5"}}),
		Ledger:      newLedger(t, dir),
	})
	for i := 0; i < 2; i++ {
		if err := first.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
	}

	second := newRunner(t, Options{
		Instruments: []core.Instrument{instA},
		Source:      newScript(map[string][]string{"A": {"97.5"}}),
		Ledger:      newLedger(t, dir),
	})
	n, err := second.Restore(decimal.Zero)
	if err != nil || n != 4 {
		t.Fatalf("Restore() = %d, %v, want 4", n, err)
	}
	snap := second.Portfolio()
	if !snap.Cash.Equal(d("-98")) || snap.Positions["A"] != 1 {
		t.Fatalf("restored portfolio = cash %s pos %d, want -98 1", snap.Cash, snap.Positions["A"])
	}
	if err := second.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got, want := prices(second.OpenOrders("A")), prices(first.OpenOrders("A")); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("open after resume = %v, want %v", got, want)
	}
	if second.Stats().Fills != 0 {
		t.Fatalf("resumed runner filled orders at an unchanged price")
	}
}

type executorSpy struct {
	mu        sync.Mutex
	placed    []core.Order
	cancelled []string
	placeErr  error
}

func (e *executorSpy) PlaceLimitOrder(_ context.Context, order core.Order) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.placeErr != nil {
		return "", e.placeErr
	}
	e.placed = append(e.placed, order)
	return fmt.Sprintf("b-%d", len(e.placed)), nil
}

func (e *executorSpy) CancelOrder(_ context.Context, brokerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, brokerID)
	return nil
}

func TestTradeModeMirrorsOrdersToBroker(t *testing.T) {
	ledger := newLedger(t, t.TempDir())
	exec := &executorSpy{}
	r := newRunner(t, Options{
		Instruments: []core.Instrument{instA},
		Source:      newScript(map[string][]string{"A": {"100", "97.5"}}),
		Ledger:      ledger,
		Executor:    exec,
	})
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(exec.placed) != 4 {
		t.Fatalf("placed = %d, want 4", len(exec.placed))
	}
	var sell102 core.Order
	for _, o := range r.OpenOrders("A") {
		if o.BrokerID == "" {
			t.Fatalf("order %s has no broker id", o.ID)
		}
		if o.Price.Equal(d("102")) {
			sell102 = o
		}
	}
	stored, err := ledger.FetchOrder(sell102.ID)
	if err != nil || stored.BrokerID != sell102.BrokerID {
		t.Fatalf("FetchOrder() broker id = %q, %v, want %q", stored.BrokerID, err, sell102.BrokerID)
	}

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if len(exec.cancelled) != 1 || exec.cancelled[0] != sell102.BrokerID {
		t.Fatalf("cancelled = %v, want [%s]", exec.cancelled, sell102.BrokerID)
	}
	if len(exec.placed) != 6 {
		t.Fatalf("placed = %d, want 6 after refill", len(exec.placed))
	}
}

func TestTradeModeBrokerFailureKeepsAccounting(t *testing.T) {
	exec := &executorSpy{placeErr: errors.New("broker down")}
	alerts := &alertSpy{}
	r := newRunner(t, Options{
		Instruments: []core.Instrument{instA},
		Source:      newScript(map[string][]string{"A": {"100", "97.5"}}),
		Ledger:      newLedger(t, t.TempDir()),
		Executor:    exec,
		Alerts:      alerts,
	})
	for i := 0; i < 2; i++ {
		if err := r.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() error = %v", err)
		}
	}
	if got := r.Stats().BrokerErrors; got != 6 {
		t.Fatalf("BrokerErrors = %d, want 6", got)
	}
	if !r.Portfolio().Cash.Equal(d("-98")) {
		t.Fatalf("cash = %s, want -98", r.Portfolio().Cash)
	}
	if len(exec.cancelled) != 0 {
		t.Fatalf("cancelled orders that were never placed: %v", exec.cancelled)
	}
	if !alerts.has("broker_call_failed") {
		t.Fatalf("no broker_call_failed alert")
	}
}

func TestTradeModeInsertFailurePlacesNothing(t *testing.T) {
	inner := newLedger(t, t.TempDir())
	ledger := &failingLedger{Ledger: inner, fail: map[string]bool{"A": true}}
	exec := &executorSpy{}
	r := newRunner(t, Options{
		Instruments: []core.Instrument{instA, instB},
		Source:      newScript(map[string][]string{"A": {"100"}, "B": {"50"}}),
		Ledger:      ledger,
		Executor:    exec,
	})
	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if _, ok := r.Halted()["A"]; !ok {
		t.Fatalf("A not halted after insert failure")
	}
	for _, o := range exec.placed {
		if o.InstrumentID == "A" {
			t.Fatalf("placed %s at the broker although the ledger insert failed", o.ID)
		}
	}
	if len(exec.placed) != 4 {
		t.Fatalf("placed = %d, want 4 for B", len(exec.placed))
	}
	if got := r.OpenOrders("A"); len(got) != 0 {
		t.Fatalf("book A = %d orders, want 0", len(got))
	}
}

func TestTradeModeUnrecordedBrokerIDsAreCancelled(t *testing.T) {
	inner := newLedger(t, t.TempDir())
	ledger := &failingLedger{Ledger: inner, failUpdate: map[string]bool{"A": true}}
	exec := &executorSpy{}
	r := newRunner(t, Options{
		Instruments: []core.Instrument{instA},
		Source:      newScript(map[string][]string{"A": {"100"}}),
		Ledger:      ledger,
		Executor:    exec,
	})
	if err := r.Tick(context.Background()); !errors.Is(err, ErrAllHalted) {
		t.Fatalf("Tick() error = %v, want ErrAllHalted", err)
	}
	if len(exec.placed) != 4 {
		t.Fatalf("placed = %d, want 4", len(exec.placed))
	}
	sort.Strings(exec.cancelled)
	if want := []string{"b-1", "b-2", "b-3", "b-4"}; strings.Join(exec.cancelled, ",") != strings.Join(want, ",") {
		t.Fatalf("cancelled = %v, want %v", exec.cancelled, want)
	}
	pending, err := inner.PendingOrders("A")
	if err != nil {
		t.Fatalf("PendingOrders() error = %v", err)
	}
	if len(pending) != 4 {
		t.Fatalf("ledger pending = %d, want 4", len(pending))
	}
	for _, o := range append(pending, r.OpenOrders("A")...) {
		if o.BrokerID != "" {
			t.Fatalf("order %s keeps broker id %s that was cancelled", o.ID, o.BrokerID)
		}
	}
}

func TestSettlementFailureStillCancelsAtBroker(t *testing.T) {
	ledger := &failingLedger{Ledger: newLedger(t, t.TempDir())}
	exec := &executorSpy{}
	r := newRunner(t, Options{
		Instruments: []core.Instrument{instA},
		Source:      newScript(map[string][]string{"A": {"100", "97.5"}}),
		Ledger:      ledger,
		Executor:    exec,
	})
	ctx := context.Background()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	var sell102 core.Order
	for _, o := range r.OpenOrders("A") {
		if o.Side == core.Sell && o.Price.Equal(d("102")) {
			sell102 = o
		}
	}
	if sell102.BrokerID == "" {
		t.Fatalf("SELL@102 has no broker id")
	}

	ledger.mu.Lock()
	ledger.failUpdate = map[string]bool{"A": true}
	ledger.mu.Unlock()
	if err := r.Tick(ctx); !errors.Is(err, ErrAllHalted) {
		t.Fatalf("Tick() error = %v, want ErrAllHalted", err)
	}
	if len(exec.cancelled) != 1 || exec.cancelled[0] != sell102.BrokerID {
		t.Fatalf("cancelled = %v, want [%s]", exec.cancelled, sell102.BrokerID)
	}
}
