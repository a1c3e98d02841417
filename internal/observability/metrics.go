package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orderflow/internal/resilience"
)

// Metrics owns the prometheus registry and the collectors for order
// processing, circuit breakers and retries. All methods are nil-safe so
// callers can run without metrics wired.
type Metrics struct {
	registry *prometheus.Registry

	ordersTotal   *prometheus.CounterVec
	orderDuration prometheus.Histogram
	breakerState  *prometheus.GaugeVec
	retryCount    *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total orders by terminal status.",
		}, []string{"status"}),
		orderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_processing_duration_seconds",
			Help:    "Placement saga duration.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per service: 0 closed, 1 open, 2 half-open.",
		}, []string{"service"}),
		retryCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_count",
			Help: "Retry attempts per service.",
		}, []string{"service"}),
	}
	registry.MustRegister(m.ordersTotal, m.orderDuration, m.breakerState, m.retryCount)
	return m
}

// ObserveOrder records one finished placement with its terminal status.
func (m *Metrics) ObserveOrder(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ordersTotal.WithLabelValues(status).Inc()
	m.orderDuration.Observe(d.Seconds())
}

// BreakerHook returns an OnStateChange callback that mirrors breaker
// transitions into the state gauge.
func (m *Metrics) BreakerHook() func(name string, from, to resilience.State) {
	if m == nil {
		return nil
	}
	return func(name string, _, to resilience.State) {
		var v float64
		switch to {
		case resilience.StateOpen:
			v = 1
		case resilience.StateHalfOpen:
			v = 2
		}
		m.breakerState.WithLabelValues(name).Set(v)
	}
}

// RetryHook returns an OnRetry callback counting retries for service.
func (m *Metrics) RetryHook(service string) func(attempt int) {
	if m == nil {
		return nil
	}
	return func(int) {
		m.retryCount.WithLabelValues(service).Inc()
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
