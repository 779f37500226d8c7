package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the trading collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions       *prometheus.CounterVec
	ordersPlaced    *prometheus.CounterVec
	orderFailures   *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	symbolErrors    *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	accountEquity   prometheus.Gauge
	availableMargin prometheus.Gauge
	positionSize    *prometheus.GaugeVec
	tradingActive   prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_decisions_total",
			Help: "Decision engine outcomes per symbol and action.",
		}, []string{"symbol", "action"}),
		ordersPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_placed_total",
			Help: "Limit orders accepted by the exchange.",
		}, []string{"symbol", "side"}),
		orderFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_order_failures_total",
			Help: "Limit orders rejected or failed at the exchange.",
		}, []string{"symbol", "side"}),
		ordersCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_orders_cancelled_total",
			Help: "Orders cancelled, by reason.",
		}, []string{"symbol", "reason"}),
		symbolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trader_symbol_errors_total",
			Help: "Per-symbol evaluation failures (data fetch, panics).",
		}, []string{"symbol"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Duration of a full pass over all enabled symbols.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		accountEquity: f.NewGauge(prometheus.GaugeOpts{
			Name: "trader_account_equity",
			Help: "Account equity from the last refresh.",
		}),
		availableMargin: f.NewGauge(prometheus.GaugeOpts{
			Name: "trader_account_available_margin",
			Help: "Available margin from the last refresh.",
		}),
		positionSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trader_position_size",
			Help: "Signed position size per symbol.",
		}, []string{"symbol"}),
		tradingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "trader_trading_active",
			Help: "1 while the scheduler is running.",
		}),
	}
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Decision(symbol, action string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(symbol, action).Inc()
}

func (m *Metrics) OrderPlaced(symbol, side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) OrderFailed(symbol, side string) {
	if m == nil {
		return
	}
	m.orderFailures.WithLabelValues(symbol, side).Inc()
}

func (m *Metrics) OrderCancelled(symbol, reason string) {
	if m == nil {
		return
	}
	m.ordersCancelled.WithLabelValues(symbol, reason).Inc()
}

func (m *Metrics) SymbolError(symbol string) {
	if m == nil {
		return
	}
	m.symbolErrors.WithLabelValues(symbol).Inc()
}

func (m *Metrics) CycleDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) Account(equity, availableMargin float64) {
	if m == nil {
		return
	}
	m.accountEquity.Set(equity)
	m.availableMargin.Set(availableMargin)
}

func (m *Metrics) Position(symbol string, size float64) {
	if m == nil {
		return
	}
	m.positionSize.WithLabelValues(symbol).Set(size)
}

func (m *Metrics) TradingActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.tradingActive.Set(1)
	} else {
		m.tradingActive.Set(0)
	}
}
