// Package core provides a circuit breaker for backing stores.
package core

import (
	"sync/atomic"
	"time"
)

// BreakerState represents breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// BreakerOptions configures breaker thresholds.
type BreakerOptions struct {
	FailureThreshold int64
	OpenDuration     time.Duration
	HalfOpenMaxCalls int64
}

// Breaker tracks store failures and sheds calls while the store is unhealthy.
// Callers decide what a shed call means; the limiter applies the limit class
// fail mode and the seat controller fails closed.
type Breaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	opts             BreakerOptions
}

// NewBreaker constructs a breaker with defaults.
func NewBreaker(opts BreakerOptions) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 250 * time.Millisecond
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 3
	}
	breaker := &Breaker{opts: opts}
	breaker.state.Store(int32(BreakerClosed))
	return breaker
}

// Allow reports whether the store call should proceed.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	switch BreakerState(b.state.Load()) {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Now().UnixNano() >= b.openUntil.Load() {
			b.state.Store(int32(BreakerHalfOpen))
			b.halfOpenInFlight.Store(0)
			return true
		}
		return false
	case BreakerHalfOpen:
		inFlight := b.halfOpenInFlight.Add(1)
		if inFlight <= b.opts.HalfOpenMaxCalls {
			return true
		}
		b.halfOpenInFlight.Add(-1)
		return false
	default:
		return true
	}
}

// OnSuccess records a successful store call.
func (b *Breaker) OnSuccess() {
	if b == nil {
		return
	}
	state := BreakerState(b.state.Load())
	if state == BreakerHalfOpen {
		b.halfOpenInFlight.Add(-1)
		b.failures.Store(0)
		b.state.Store(int32(BreakerClosed))
		return
	}
	if state == BreakerClosed {
		b.failures.Store(0)
	}
}

// OnFailure records a failed store call and updates state.
func (b *Breaker) OnFailure() {
	if b == nil {
		return
	}
	state := BreakerState(b.state.Load())
	if state == BreakerHalfOpen {
		b.halfOpenInFlight.Add(-1)
		b.failures.Store(b.opts.FailureThreshold)
		b.openUntil.Store(time.Now().Add(b.opts.OpenDuration).UnixNano())
		b.state.Store(int32(BreakerOpen))
		return
	}
	if b.failures.Add(1) >= b.opts.FailureThreshold {
		b.openUntil.Store(time.Now().Add(b.opts.OpenDuration).UnixNano())
		b.state.Store(int32(BreakerOpen))
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	return BreakerState(b.state.Load())
}
