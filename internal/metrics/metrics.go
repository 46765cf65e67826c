// Package metrics exposes the engine's Prometheus series:
//
//	grid_ticks_total                       completed ticks
//	grid_quote_failures_total{figi}        absent quotes
//	grid_fills_total{figi,side}            filled orders
//	grid_cancellations_total{figi}         cancelled counter-orders
//	grid_open_orders{figi}                 pending orders in the book
//	grid_cash                              cash balance
//	grid_portfolio_value                   cash plus marked positions
//	grid_tick_duration_seconds             tick latency
//	grid_halted_instruments                instruments halted on persistence failure
//	grid_broker_errors_total{action}       failed broker calls in trade mode
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	ticks         prometheus.Counter
	quoteFailures *prometheus.CounterVec
	fills         *prometheus.CounterVec
	cancels       *prometheus.CounterVec
	openOrders    *prometheus.GaugeVec
	cash          prometheus.Gauge
	portfolio     prometheus.Gauge
	tickDuration  prometheus.Histogram
	halted        prometheus.Gauge
	brokerErrors  *prometheus.CounterVec
}

// New registers every series on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_ticks_total",
			Help: "Completed engine ticks",
		}),
		quoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_quote_failures_total",
			Help: "Quotes that were absent, failed or timed out",
		}, []string{"figi"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Grid orders filled",
		}, []string{"figi", "side"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_cancellations_total",
			Help: "Counter-orders cancelled after a fill",
		}, []string{"figi"}),
		openOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_open_orders",
			Help: "Pending grid orders per instrument",
		}, []string{"figi"}),
		cash: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_cash",
			Help: "Cash balance",
		}),
		portfolio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_portfolio_value",
			Help: "Cash plus positions marked at the last price",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grid_tick_duration_seconds",
			Help:    "Wall time of one engine tick",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grid_halted_instruments",
			Help: "Instruments halted after persistence failures",
		}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_broker_errors_total",
			Help: "Failed broker calls in trade mode",
		}, []string{"action"}),
	}
	reg.MustRegister(
		m.ticks, m.quoteFailures, m.fills, m.cancels, m.openOrders,
		m.cash, m.portfolio, m.tickDuration, m.halted, m.brokerErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) QuoteFailed(figi string) {
	if m == nil {
		return
	}
	m.quoteFailures.WithLabelValues(figi).Inc()
}

func (m *Metrics) Filled(figi, side string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(figi, side).Inc()
}

func (m *Metrics) Cancelled(figi string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cancels.WithLabelValues(figi).Add(float64(n))
}

func (m *Metrics) SetOpenOrders(figi string, n int) {
	if m == nil {
		return
	}
	m.openOrders.WithLabelValues(figi).Set(float64(n))
}

func (m *Metrics) SetBalance(cash, value decimal.Decimal) {
	if m == nil {
		return
	}
	m.cash.Set(cash.InexactFloat64())
	m.portfolio.Set(value.InexactFloat64())
}

func (m *Metrics) SetHalted(n int) {
	if m == nil {
		return
	}
	m.halted.Set(float64(n))
}

func (m *Metrics) BrokerError(action string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(action).Inc()
}
