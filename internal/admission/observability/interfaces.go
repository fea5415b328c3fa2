// Package observability defines logging and metrics interfaces.
package observability

import "time"

// Logger provides structured logging hooks.
type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// Metrics records service measurements.
type Metrics interface {
	IncAdmission(route string, outcome string)
	IncRateLimited(class string)
	IncLimiterFallback(class string, reason string)
	IncSeatReserve(outcome string)
	IncVerifyFailure(kind string)
	IncThreatAlert(level string)
	IncAuditDropped()
	IncStoreError(store string, op string)
	ObserveLatency(op string, d time.Duration)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) IncAdmission(string, string)          {}
func (NopMetrics) IncRateLimited(string)                {}
func (NopMetrics) IncLimiterFallback(string, string)    {}
func (NopMetrics) IncSeatReserve(string)                {}
func (NopMetrics) IncVerifyFailure(string)              {}
func (NopMetrics) IncThreatAlert(string)                {}
func (NopMetrics) IncAuditDropped()                     {}
func (NopMetrics) IncStoreError(string, string)         {}
func (NopMetrics) ObserveLatency(string, time.Duration) {}
