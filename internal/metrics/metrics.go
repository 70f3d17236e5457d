// Package metrics exposes Prometheus instrumentation for the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_dispatched_total",
			Help: "Ticks routed from the feeder to per-symbol queues",
		},
		[]string{"symbol"},
	)

	queueDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_queue_drops_total",
			Help: "Oldest-record displacements on full symbol queues",
		},
		[]string{"symbol"},
	)

	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_submitted_total",
			Help: "Orders accepted by the broker",
		},
		[]string{"symbol", "side"},
	)

	ordersBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_blocked_total",
			Help: "Order attempts rejected before submission",
		},
		[]string{"symbol", "reason"},
	)

	engineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_state",
			Help: "Per-symbol engine state (1 for the active state, 0 otherwise)",
		},
		[]string{"symbol", "state"},
	)

	engineErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_cycle_errors_total",
			Help: "Errors raised inside engine cycles",
		},
		[]string{"symbol"},
	)

	engineRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_restarts_total",
			Help: "Engine restarts, by initiator",
		},
		[]string{"symbol", "initiator"},
	)

	feederReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_feeder_reconnects_total",
			Help: "Live stream reconnection attempts",
		},
	)

	equityNow = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_equity_now_usd",
			Help: "Current portfolio equity",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ticksDispatched,
		queueDrops,
		ordersSubmitted,
		ordersBlocked,
		engineState,
		engineErrors,
		engineRestarts,
		feederReconnects,
		equityNow,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTickDispatched increments the per-symbol tick counter.
func RecordTickDispatched(symbol string) {
	ticksDispatched.WithLabelValues(symbol).Inc()
}

// RecordQueueDrop increments the drop-oldest counter for a symbol.
func RecordQueueDrop(symbol string) {
	queueDrops.WithLabelValues(symbol).Inc()
}

// RecordOrderSubmitted records a broker-accepted order.
func RecordOrderSubmitted(symbol, side string) {
	ordersSubmitted.WithLabelValues(symbol, side).Inc()
}

// RecordOrderBlocked records an order stopped before submission.
func RecordOrderBlocked(symbol, reason string) {
	ordersBlocked.WithLabelValues(symbol, reason).Inc()
}

// SetEngineState marks the engine's active state gauge.
func SetEngineState(symbol, state string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	engineState.WithLabelValues(symbol, state).Set(v)
}

// RecordEngineError increments the per-symbol cycle error counter.
func RecordEngineError(symbol string) {
	engineErrors.WithLabelValues(symbol).Inc()
}

// RecordEngineRestart records a restart by initiator ("monitor" or "operator").
func RecordEngineRestart(symbol, initiator string) {
	engineRestarts.WithLabelValues(symbol, initiator).Inc()
}

// RecordFeederReconnect increments the reconnect counter.
func RecordFeederReconnect() {
	feederReconnects.Inc()
}

// SetEquityNow updates the live equity gauge.
func SetEquityNow(v float64) {
	equityNow.Set(v)
}
