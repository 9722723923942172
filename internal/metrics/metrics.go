package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Release attempt results.
const (
	ResultReleased = "released"
	ResultFailed   = "failed"
	ResultSkipped  = "skipped"
	ResultLocked   = "locked"
)

// Purchase results.
const (
	PurchasePlaced   = "placed"
	PurchaseDisabled = "disabled"
	PurchaseFailed   = "failed"
)

// Metrics holds the bot's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	releaseAttempts    *prometheus.CounterVec
	releaseCycles      prometheus.Counter
	releaseCycleErrors prometheus.Counter
	releaseDuration    prometheus.Histogram

	reconcileCycles    prometheus.Counter
	reconcileErrors    prometheus.Counter
	ordersNew          prometheus.Counter
	ordersTransitioned *prometheus.CounterVec
	purchases          *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
}

// New creates a registry with the runtime collectors and the bot metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		releaseAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "release_attempts_total",
			Help: "Release attempts by result.",
		}, []string{"result"}),
		releaseCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "release_cycles_total",
			Help: "Completed release monitor cycles.",
		}),
		releaseCycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "release_cycle_errors_total",
			Help: "Release monitor cycles that ended with an error.",
		}),
		releaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "release_duration_seconds",
			Help:    "Duration of a release attempt including challenge pacing.",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120},
		}),
		reconcileCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_cycles_total",
			Help: "Completed order reconciliation cycles.",
		}),
		reconcileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_errors_total",
			Help: "Reconciliation cycles that ended with an error.",
		}),
		ordersNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orders_new_total",
			Help: "Orders seen for the first time.",
		}),
		ordersTransitioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_transitioned_total",
			Help: "Order status transitions by new status.",
		}, []string{"status"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purchases_total",
			Help: "Auto-purchase outcomes.",
		}, []string{"result"}),
		breakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_rejections_total",
			Help: "Calls short-circuited by an open circuit breaker.",
		}, []string{"operation"}),
	}
	registry.MustRegister(
		m.releaseAttempts, m.releaseCycles, m.releaseCycleErrors, m.releaseDuration,
		m.reconcileCycles, m.reconcileErrors, m.ordersNew, m.ordersTransitioned,
		m.purchases, m.breakerRejections,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ReleaseAttempt(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.releaseAttempts.WithLabelValues(result).Inc()
	if d > 0 {
		m.releaseDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ReleaseCycle(err error) {
	if m == nil {
		return
	}
	m.releaseCycles.Inc()
	if err != nil {
		m.releaseCycleErrors.Inc()
	}
}

func (m *Metrics) ReconcileCycle(err error) {
	if m == nil {
		return
	}
	m.reconcileCycles.Inc()
	if err != nil {
		m.reconcileErrors.Inc()
	}
}

func (m *Metrics) OrdersNew(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ordersNew.Add(float64(n))
}

func (m *Metrics) OrderTransitioned(status string) {
	if m == nil {
		return
	}
	m.ordersTransitioned.WithLabelValues(status).Inc()
}

func (m *Metrics) Purchase(result string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(result).Inc()
}

// BreakerRejected matches risk.CircuitBreakerConfig.OnReject.
func (m *Metrics) BreakerRejected(operation string) {
	if m == nil {
		return
	}
	m.breakerRejections.WithLabelValues(operation).Inc()
}
