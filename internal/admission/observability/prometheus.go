// Package observability provides a prometheus metrics implementation.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PromMetrics implements Metrics on a prometheus registry.
type PromMetrics struct {
	registry        *prometheus.Registry
	admissions      *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	limiterFallback *prometheus.CounterVec
	seatReserves    *prometheus.CounterVec
	verifyFailures  *prometheus.CounterVec
	threatAlerts    *prometheus.CounterVec
	auditDropped    prometheus.Counter
	storeErrors     *prometheus.CounterVec
	latency         *prometheus.HistogramVec
}

// NewPromMetrics constructs a metrics recorder with its own registry.
func NewPromMetrics() *PromMetrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &PromMetrics{
		registry: registry,
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waitgate_admissions_total",
			Help: "Request admissions by route and outcome.",
		}, []string{"route", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waitgate_rate_limited_total",
			Help: "Requests rejected by the rate limiter per limit class.",
		}, []string{"class"}),
		limiterFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waitgate_limiter_fallback_total",
			Help: "Limiter fail-mode decisions taken while the store was unavailable.",
		}, []string{"class", "reason"}),
		seatReserves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waitgate_seat_reserve_total",
			Help: "Seat reservation attempts by outcome.",
		}, []string{"outcome"}),
		verifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waitgate_verify_failures_total",
			Help: "Signature and CSRF verification failures by kind.",
		}, []string{"kind"}),
		threatAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waitgate_threat_alerts_total",
			Help: "Threat alerts raised by level.",
		}, []string{"level"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waitgate_audit_dropped_total",
			Help: "Audit events dropped on queue overflow.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waitgate_store_errors_total",
			Help: "Backing store errors by store and operation.",
		}, []string{"store", "op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waitgate_op_duration_seconds",
			Help:    "Operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	registry.MustRegister(m.admissions, m.rateLimited, m.limiterFallback, m.seatReserves,
		m.verifyFailures, m.threatAlerts, m.auditDropped, m.storeErrors, m.latency)
	return m
}

// Registry exposes the underlying registry for the metrics endpoint.
func (m *PromMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *PromMetrics) IncAdmission(route string, outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(route, outcome).Inc()
}

func (m *PromMetrics) IncRateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}

func (m *PromMetrics) IncLimiterFallback(class string, reason string) {
	if m == nil {
		return
	}
	m.limiterFallback.WithLabelValues(class, reason).Inc()
}

func (m *PromMetrics) IncSeatReserve(outcome string) {
	if m == nil {
		return
	}
	m.seatReserves.WithLabelValues(outcome).Inc()
}

func (m *PromMetrics) IncVerifyFailure(kind string) {
	if m == nil {
		return
	}
	m.verifyFailures.WithLabelValues(kind).Inc()
}

func (m *PromMetrics) IncThreatAlert(level string) {
	if m == nil {
		return
	}
	m.threatAlerts.WithLabelValues(level).Inc()
}

func (m *PromMetrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

func (m *PromMetrics) IncStoreError(store string, op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(store, op).Inc()
}

func (m *PromMetrics) ObserveLatency(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}
