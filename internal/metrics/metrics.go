// Package metrics exposes Prometheus collectors for the trading engine.
//
// Collectors live on a Metrics instance with its own registry. Every method
// is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	signals       *prometheus.CounterVec
	maCache       *prometheus.CounterVec
	orders        *prometheus.CounterVec
	opened        *prometheus.CounterVec
	closed        *prometheus.CounterVec
	averages      prometheus.Counter
	alerts        *prometheus.CounterVec
	equity        prometheus.Gauge
	startEquity   prometheus.Gauge
	halted        prometheus.Gauge
	openPositions prometheus.Gauge
	reconcile     *prometheus.CounterVec
	orphans       prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_cycles_total",
			Help: "Scheduler cycles by result",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dcabot_cycle_duration_seconds",
			Help:    "Wall time of a scheduler cycle",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_signals_total",
			Help: "Entry signals fired",
		}, []string{"side"}),
		maCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_ma_cache_lookups_total",
			Help: "Moving average cache lookups by result",
		}, []string{"result"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_orders_total",
			Help: "Orders placed",
		}, []string{"kind", "side"}),
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_positions_opened_total",
			Help: "Positions opened",
		}, []string{"side"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_positions_closed_total",
			Help: "Positions closed by terminal status",
		}, []string{"status"}),
		averages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcabot_averages_total",
			Help: "Completed average-down steps",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_alerts_total",
			Help: "Operator alerts raised",
		}, []string{"kind"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_equity_quote",
			Help: "Current account equity in the quote asset",
		}),
		startEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_daily_start_equity_quote",
			Help: "Equity snapshot taken at the start of the UTC day",
		}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_trading_halted",
			Help: "1 while new entries are halted by the daily loss limit",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_open_positions",
			Help: "Positions in PENDING or OPEN status",
		}),
		reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcabot_reconcile_events_total",
			Help: "Reconciliation outcomes",
		}, []string{"event"}),
		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcabot_orphan_orders",
			Help: "Exchange orders with no ledger counterpart at the last reconciliation",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.signals, m.maCache, m.orders,
		m.opened, m.closed, m.averages, m.alerts, m.equity,
		m.startEquity, m.halted, m.openPositions, m.reconcile, m.orphans,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CycleCompleted(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SignalFired(side string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(side).Inc()
}

func (m *Metrics) MACacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.maCache.WithLabelValues("hit").Inc()
		return
	}
	m.maCache.WithLabelValues("miss").Inc()
}

func (m *Metrics) OrderPlaced(kind, side string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(kind, side).Inc()
}

func (m *Metrics) PositionOpened(side string) {
	if m == nil {
		return
	}
	m.opened.WithLabelValues(side).Inc()
}

func (m *Metrics) PositionClosed(status string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(status).Inc()
}

func (m *Metrics) AverageCompleted() {
	if m == nil {
		return
	}
	m.averages.Inc()
}

func (m *Metrics) Alert(kind string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(kind).Inc()
}

// SetRisk publishes the risk governor state.
func (m *Metrics) SetRisk(current, start decimal.Decimal, halted bool) {
	if m == nil {
		return
	}
	m.equity.Set(current.InexactFloat64())
	m.startEquity.Set(start.InexactFloat64())
	if halted {
		m.halted.Set(1)
	} else {
		m.halted.Set(0)
	}
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

// ReconcileEvent counts a reconciliation outcome such as "closed_profit",
// "tp_replaced" or "orphan".
func (m *Metrics) ReconcileEvent(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reconcile.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) SetOrphans(n int) {
	if m == nil {
		return
	}
	m.orphans.Set(float64(n))
}
