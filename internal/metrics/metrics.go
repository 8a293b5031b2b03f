// Package metrics registers Prometheus collectors and serves the scrape endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	KlinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "klines_total", Help: "Count of confirmed klines ingested"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Strategy signals generated"},
		[]string{"symbol", "direction"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Order requests published"},
		[]string{"symbol", "kind"},
	)
	OrderFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "order_failures_total", Help: "Order requests that ended rejected or failed"},
		[]string{"symbol"},
	)
	ComponentRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "component_restarts_total", Help: "Supervised component restarts"},
		[]string{"component", "reason"},
	)
)

func init() {
	prometheus.MustRegister(KlinesTotal, SignalsTotal, OrdersTotal, OrderFailuresTotal, ComponentRestartsTotal)
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
