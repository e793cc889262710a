// Package metrics exposes prometheus instrumentation for order execution.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_orders_submitted_total", Help: "Orders accepted by the broker"},
		[]string{"symbol", "side"},
	)
	OrdersRefused = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_orders_refused_total", Help: "Placements refused before reaching the broker"},
		[]string{"reason"},
	)
	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_orders_filled_total", Help: "Orders filled and reconciled"},
		[]string{"symbol", "side"},
	)
	OrdersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_orders_failed_total", Help: "Orders that ended without a reconciled fill"},
		[]string{"outcome"},
	)
	WatchersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "trader_fill_watchers_in_flight", Help: "Fill watchers currently polling"},
	)
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "trader_broker_circuit_state", Help: "Broker circuit breaker state (0 closed, 1 half-open, 2 open)"},
	)
	InstanceBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "trader_instance_balance", Help: "Cash balance per instance"},
		[]string{"instance"},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersRefused, OrdersFilled, OrdersFailed, WatchersInFlight, BreakerState, InstanceBalance)
}

// Serve starts the /metrics endpoint in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
