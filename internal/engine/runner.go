// Package engine drives the grid: every tick it quotes each instrument,
// settles the book against the price and tops the grid back up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"invest-grid/internal/alert"
	"invest-grid/internal/book"
	"invest-grid/internal/core"
	"invest-grid/internal/grid"
	"invest-grid/internal/metrics"
	"invest-grid/internal/quote"
	"invest-grid/internal/safety"
	"invest-grid/internal/settle"
	"invest-grid/internal/store"
)

var (
	ErrInstrumentHalted = errors.New("instrument halted")
	ErrAllHalted        = errors.New("all instruments halted")
)

type State string

const (
	StateIdle           State = "IDLE"
	StateTickInProgress State = "TICK_IN_PROGRESS"
)

type Options struct {
	Instruments  []core.Instrument
	Grid         grid.Params
	Interval     time.Duration
	QuoteTimeout time.Duration
	Source       quote.Source
	Ledger       store.Ledger
	Retry        store.RetryPolicy
	// Book and Portfolio default to empty ones.
	Book      *book.Book
	Portfolio *settle.Portfolio
	// Executor mirrors orders to the broker. Nil records orders only.
	Executor safety.Executor
	Alerts   alert.Alerter
	Metrics  *metrics.Metrics
	// Status is written on every state change when set. StatusInfo seeds the
	// descriptive fields (mode, trade mode, storage).
	Status     *store.StatusFile
	StatusInfo store.RuntimeStatus
	Logger     *zap.Logger
	Now        func() time.Time
}

// Stats counts what the runner did since it was built.
type Stats struct {
	Ticks         int64
	Fills         int64
	Cancellations int64
	QuoteMisses   int64
	BrokerErrors  int64
}

type Runner struct {
	instruments []core.Instrument
	params      grid.Params
	interval    time.Duration
	source      quote.Source
	ledger      store.Ledger
	retry       store.RetryPolicy
	book        *book.Book
	portfolio   *settle.Portfolio
	settler     *settle.Settler
	executor    safety.Executor
	alerts      alert.Alerter
	metrics     *metrics.Metrics
	statusFile  *store.StatusFile
	log         *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	state     State
	halted    map[string]error
	stats     Stats
	status    store.RuntimeStatus
	startedAt time.Time
}

func NewRunner(opts Options) (*Runner, error) {
	if len(opts.Instruments) == 0 {
		return nil, errors.New("no instruments configured")
	}
	seen := make(map[string]struct{}, len(opts.Instruments))
	for _, inst := range opts.Instruments {
		if inst.FIGI == "" {
			return nil, fmt.Errorf("instrument %q has no figi", inst.Name)
		}
		if _, dup := seen[inst.FIGI]; dup {
			return nil, fmt.Errorf("instrument %s configured twice", inst.FIGI)
		}
		seen[inst.FIGI] = struct{}{}
	}
	if err := opts.Grid.Validate(); err != nil {
		return nil, err
	}
	if opts.Source == nil {
		return nil, errors.New("price source required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = store.DefaultRetryPolicy()
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = logger
	}
	if opts.Book == nil {
		opts.Book = book.New(logger)
	}
	if opts.Portfolio == nil {
		opts.Portfolio = settle.NewPortfolio(decimal.Zero)
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	r := &Runner{
		instruments: append([]core.Instrument(nil), opts.Instruments...),
		params:      opts.Grid,
		interval:    opts.Interval,
		source:      quote.WithTimeout(opts.Source, opts.QuoteTimeout),
		ledger:      opts.Ledger,
		retry:       opts.Retry,
		book:        opts.Book,
		portfolio:   opts.Portfolio,
		settler:     settle.New(opts.Book, opts.Portfolio, logger),
		executor:    opts.Executor,
		alerts:      opts.Alerts,
		metrics:     opts.Metrics,
		statusFile:  opts.Status,
		log:         logger,
		now:         opts.Now,
		state:       StateIdle,
		halted:      make(map[string]error),
		status:      opts.StatusInfo,
	}
	r.status.Instruments = make([]string, len(r.instruments))
	for i, inst := range r.instruments {
		r.status.Instruments[i] = inst.FIGI
	}
	return r, nil
}

// Run ticks immediately and then every interval until ctx ends or every
// instrument is halted.
func (r *Runner) Run(ctx context.Context) (runErr error) {
	r.mu.Lock()
	r.startedAt = r.now()
	r.mu.Unlock()
	r.persistStatus("running", nil)
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.persistStatus("stopped", err)
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Tick(ctx); err != nil {
			if errors.Is(err, ErrAllHalted) {
				r.log.Error("runner_stopped", zap.Error(err))
				r.alertImportant("runner_stopped", map[string]string{"reason": err.Error()})
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("tick_failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick processes every instrument once in configuration order. Quote
// failures skip the instrument; persistence failures halt it.
func (r *Runner) Tick(ctx context.Context) error {
	r.setState(StateTickInProgress)
	defer r.setState(StateIdle)
	started := time.Now()

	for _, inst := range r.instruments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.isHalted(inst.FIGI) {
			continue
		}
		if err := r.tickInstrument(ctx, inst); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.halt(inst, err)
		}
	}

	r.mu.Lock()
	r.stats.Ticks++
	allHalted := len(r.halted) == len(r.instruments)
	haltedAny := len(r.halted) > 0
	r.mu.Unlock()
	r.metrics.ObserveTick(time.Since(started))
	snap := r.portfolio.Snapshot()
	r.metrics.SetBalance(snap.Cash, snap.Value)
	if allHalted {
		return ErrAllHalted
	}
	if haltedAny {
		r.persistStatus("degraded", nil)
	} else {
		r.persistStatus("running", nil)
	}
	return nil
}

func (r *Runner) tickInstrument(ctx context.Context, inst core.Instrument) error {
	at := r.now()
	price, ok := r.source.CurrentPrice(ctx, inst.FIGI)
	if !ok || price.Sign() <= 0 {
		r.mu.Lock()
		r.stats.QuoteMisses++
		r.mu.Unlock()
		r.metrics.QuoteFailed(inst.FIGI)
		r.log.Warn("quote_absent", zap.String("figi", inst.FIGI), zap.String("name", inst.Name))
		return nil
	}

	q := core.Quote{InstrumentID: inst.FIGI, Name: inst.Name, Price: price, Time: at}
	if err := store.Retry(ctx, r.retry, "append_quote", func() error { return r.ledger.AppendQuote(q) }); err != nil {
		return err
	}
	r.portfolio.Mark(inst.FIGI, price)

	res := r.settler.Settle(inst.FIGI, price, at)
	persistErr := r.persistSettlement(ctx, res)
	// Broker cancels are issued before a persistence error halts the instrument.
	r.cancelAtBroker(ctx, res.Cancelled)
	if persistErr != nil {
		return persistErr
	}
	r.recordSettlement(inst, price, res)

	fresh := grid.Generate(inst, price, r.book.Open(inst.FIGI), r.params)
	if len(fresh) > 0 {
		stamped := r.book.Stamp(fresh, at)
		if err := store.Retry(ctx, r.retry, "insert_orders", func() error { return r.ledger.InsertOrders(stamped) }); err != nil {
			return err
		}
		if _, err := r.book.Insert(stamped); err != nil {
			r.log.Warn("grid_insert_partial", zap.String("figi", inst.FIGI), zap.Error(err))
		}
		if err := r.mirror(ctx, stamped); err != nil {
			return err
		}
		r.log.Info("grid_extended",
			zap.String("figi", inst.FIGI),
			zap.String("anchor", price.String()),
			zap.Int("orders", len(stamped)),
		)
	}
	r.metrics.SetOpenOrders(inst.FIGI, r.book.Len(inst.FIGI))
	return nil
}

func (r *Runner) persistSettlement(ctx context.Context, res settle.Result) error {
	for _, ord := range res.Filled {
		if err := store.Retry(ctx, r.retry, "update_order", func() error { return r.ledger.UpdateOrder(ord) }); err != nil {
			return err
		}
	}
	for _, ord := range res.Cancelled {
		if err := store.Retry(ctx, r.retry, "update_order", func() error { return r.ledger.UpdateOrder(ord) }); err != nil {
			return err
		}
	}
	for _, entry := range res.Entries {
		if err := store.Retry(ctx, r.retry, "append_balance", func() error { return r.ledger.AppendBalance(entry) }); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) cancelAtBroker(ctx context.Context, orders []core.Order) {
	if r.executor == nil {
		return
	}
	for _, ord := range orders {
		if ord.BrokerID == "" {
			continue
		}
		if err := r.executor.CancelOrder(ctx, ord.BrokerID); err != nil {
			r.brokerFailed("cancel_order", ord, err)
		}
	}
}

func (r *Runner) recordSettlement(inst core.Instrument, price decimal.Decimal, res settle.Result) {
	if res.Empty() {
		return
	}
	r.mu.Lock()
	r.stats.Fills += int64(len(res.Filled))
	r.stats.Cancellations += int64(len(res.Cancelled))
	r.mu.Unlock()
	for _, ord := range res.Filled {
		r.metrics.Filled(inst.FIGI, string(ord.Side))
	}
	r.metrics.Cancelled(inst.FIGI, len(res.Cancelled))

	fields := map[string]string{
		"figi":      inst.FIGI,
		"name":      inst.Name,
		"price":     price.String(),
		"filled":    strconv.Itoa(len(res.Filled)),
		"cancelled": strconv.Itoa(len(res.Cancelled)),
		"cash":      r.portfolio.Cash().String(),
	}
	if len(res.Anomalies) > 0 {
		fields["anomalies"] = strconv.Itoa(len(res.Anomalies))
	}
	r.alertImportant("orders_filled", fields)
}

// mirror places each new order at the broker in trade mode, after the orders
// are already in the ledger and the book. Placement failures are logged and
// the order stays in the local grid without a broker id. Orders whose broker
// id cannot be recorded are cancelled at the broker before the error is
// returned.
func (r *Runner) mirror(ctx context.Context, orders []core.Order) error {
	if r.executor == nil {
		return nil
	}
	var placed []core.Order
	for _, ord := range orders {
		brokerID, err := r.executor.PlaceLimitOrder(ctx, ord)
		if err != nil {
			r.brokerFailed("place_order", ord, err)
			continue
		}
		ord.BrokerID = brokerID
		placed = append(placed, ord)
	}
	for i, ord := range placed {
		if err := store.Retry(ctx, r.retry, "update_order", func() error { return r.ledger.UpdateOrder(ord) }); err != nil {
			r.log.Error("broker_orders_unrecorded",
				zap.String("figi", ord.InstrumentID),
				zap.Int("orders", len(placed)-i),
				zap.Error(err),
			)
			r.cancelAtBroker(ctx, placed[i:])
			return err
		}
		r.book.Update(ord)
	}
	return nil
}

func (r *Runner) brokerFailed(action string, ord core.Order, err error) {
	r.mu.Lock()
	r.stats.BrokerErrors++
	r.mu.Unlock()
	r.metrics.BrokerError(action)
	r.log.Warn("broker_call_failed",
		zap.String("action", action),
		zap.String("figi", ord.InstrumentID),
		zap.String("order_id", ord.ID),
		zap.String("broker_id", ord.BrokerID),
		zap.Error(err),
	)
	if errors.Is(err, safety.ErrCircuitOpen) {
		return
	}
	r.alertImportant("broker_call_failed", map[string]string{
		"action":   action,
		"figi":     ord.InstrumentID,
		"order_id": ord.ID,
		"err":      err.Error(),
	})
}

func (r *Runner) halt(inst core.Instrument, cause error) {
	err := fmt.Errorf("%w: %s: %w", ErrInstrumentHalted, inst.FIGI, cause)
	r.mu.Lock()
	r.halted[inst.FIGI] = err
	n := len(r.halted)
	r.mu.Unlock()
	r.metrics.SetHalted(n)
	r.log.Error("instrument_halted", zap.String("figi", inst.FIGI), zap.String("name", inst.Name), zap.Error(cause))
	r.alertImportant("instrument_halted", map[string]string{
		"figi": inst.FIGI,
		"name": inst.Name,
		"err":  cause.Error(),
	})
	r.persistStatus("degraded", err)
}

func (r *Runner) isHalted(figi string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.halted[figi]
	return ok
}

// Halted returns the halt error of every halted instrument.
func (r *Runner) Halted() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error, len(r.halted))
	for k, v := range r.halted {
		out[k] = v
	}
	return out
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Runner) Instruments() []core.Instrument {
	return append([]core.Instrument(nil), r.instruments...)
}

func (r *Runner) OpenOrders(figi string) []core.Order {
	return r.book.Open(figi)
}

func (r *Runner) Portfolio() settle.Snapshot {
	return r.portfolio.Snapshot()
}

// Status is the current runtime status as the status file would record it.
func (r *Runner) Status() store.RuntimeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Runner) statusLocked() store.RuntimeStatus {
	st := r.status
	st.Instruments = append([]string(nil), r.status.Instruments...)
	st.PID = os.Getpid()
	st.Ticks = r.stats.Ticks
	st.StartedAt = r.startedAt
	if st.State == "" {
		st.State = string(r.state)
	}
	st.Halted = nil
	for figi := range r.halted {
		st.Halted = append(st.Halted, figi)
	}
	sort.Strings(st.Halted)
	return st
}

func (r *Runner) persistStatus(state string, lastErr error) {
	r.mu.Lock()
	r.status.State = state
	if lastErr != nil {
		r.status.LastError = lastErr.Error()
	} else if state == "running" {
		r.status.LastError = ""
	}
	st := r.statusLocked()
	r.mu.Unlock()
	if r.statusFile == nil {
		return
	}
	st.UpdatedAt = r.now()
	if err := r.statusFile.Save(st); err != nil {
		r.log.Warn("runtime_status_write_failed", zap.Error(err))
	}
}

func (r *Runner) alertImportant(event string, fields map[string]string) {
	if r.alerts == nil {
		return
	}
	r.alerts.Important(event, fields)
}
