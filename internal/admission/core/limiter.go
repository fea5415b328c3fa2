// Package core provides the fixed-window rate limiter.
package core

import (
	"context"
	"errors"
	"time"

	"waitgate/internal/admission/observability"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// CounterStore provides atomic fixed-window counters. Incr opens a new window
// with count 1 when no window exists for the key or the existing window has
// expired, otherwise it increments the current window. The read-check-
// increment sequence must be atomic per key; implementations must not
// serialize unrelated keys behind a single lock.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
	Healthy(ctx context.Context) bool
}

// RateLimiter answers allowed/denied per client key and limit class.
type RateLimiter struct {
	classes *ClassRegistry
	store   CounterStore
	breaker *Breaker
	clock   Clock
	metrics observability.Metrics
	logger  observability.Logger
	timeout time.Duration
}

// NewRateLimiter constructs a limiter over the given counter store.
func NewRateLimiter(classes *ClassRegistry, store CounterStore, breaker *Breaker, clock Clock, metrics observability.Metrics, logger observability.Logger) *RateLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RateLimiter{
		classes: classes,
		store:   store,
		breaker: breaker,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
		timeout: 500 * time.Millisecond,
	}
}

// SetTimeout bounds the store call per check.
func (rl *RateLimiter) SetTimeout(d time.Duration) {
	if rl == nil || d <= 0 {
		return
	}
	rl.timeout = d
}

// Check evaluates the window for (clientKey, className).
func (rl *RateLimiter) Check(ctx context.Context, clientKey, className string) (Decision, error) {
	if rl == nil || rl.store == nil || rl.classes == nil {
		return Decision{}, errors.New("rate limiter is not configured")
	}
	if clientKey == "" || className == "" {
		return Decision{}, ErrInvalidInput
	}
	class, ok := rl.classes.Get(className)
	if !ok || class == nil {
		return Decision{}, Wrap(CodeConfiguration, "unknown limit class "+className, nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if rl.breaker != nil && !rl.breaker.Allow() {
		return rl.failDecision(class, "breaker_open"), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()
	count, resetAt, err := rl.store.Incr(callCtx, className+"\x1f"+clientKey, class.Window)
	if err != nil {
		if rl.breaker != nil {
			rl.breaker.OnFailure()
		}
		if rl.metrics != nil {
			rl.metrics.IncStoreError("counter", "incr")
		}
		if rl.logger != nil {
			rl.logger.Error("counter store unavailable", map[string]any{
				"class": class.Name,
				"error": err.Error(),
			})
		}
		return rl.failDecision(class, "store_error"), nil
	}
	if rl.breaker != nil {
		rl.breaker.OnSuccess()
	}

	decision := Decision{
		Allowed: count <= class.MaxRequests,
		Limit:   class.MaxRequests,
		ResetAt: resetAt,
	}
	decision.Remaining = class.MaxRequests - count
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if !decision.Allowed {
		decision.RetryAfter = resetAt.Sub(rl.clock.Now())
		if decision.RetryAfter < time.Second {
			decision.RetryAfter = time.Second
		}
		if rl.metrics != nil {
			rl.metrics.IncRateLimited(class.Name)
		}
	}
	return decision, nil
}

// failDecision applies the class fail mode while the store cannot answer.
func (rl *RateLimiter) failDecision(class *LimitClass, reason string) Decision {
	if rl.metrics != nil {
		rl.metrics.IncLimiterFallback(class.Name, reason)
	}
	now := rl.clock.Now()
	if class.FailMode == FailOpen {
		// Remaining stays 0 while the store is down: the true count is
		// unknown, and advertising a full fresh window would be a lie
		return Decision{
			Allowed: true,
			Limit:   class.MaxRequests,
			ResetAt: now.Add(class.Window),
		}
	}
	return Decision{
		Allowed:    false,
		Remaining:  0,
		Limit:      class.MaxRequests,
		ResetAt:    now.Add(class.Window),
		RetryAfter: class.Window,
	}
}
