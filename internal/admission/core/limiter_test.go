package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"waitgate/internal/admission/observability"
)

type fakeCounterStore struct {
	mu      sync.Mutex
	windows map[string]*fakeWindow
	clock   Clock
	fail    bool
}

type fakeWindow struct {
	count   int64
	resetAt time.Time
}

func newFakeCounterStore(clock Clock) *fakeCounterStore {
	return &fakeCounterStore{windows: make(map[string]*fakeWindow), clock: clock}
}

func (s *fakeCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, time.Time{}, errors.New("store down")
	}
	now := s.clock.Now()
	win := s.windows[key]
	if win == nil || !now.Before(win.resetAt) {
		win = &fakeWindow{resetAt: now.Add(window)}
		s.windows[key] = win
	}
	win.count++
	return win.count, win.resetAt, nil
}

func (s *fakeCounterStore) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.fail
}

func newTestLimiter(clock Clock, store CounterStore) *RateLimiter {
	classes := NewClassRegistry(DefaultLimitClasses())
	return NewRateLimiter(classes, store, nil, clock, observability.NopMetrics{}, observability.NopLogger{})
}

func TestRateLimiter_FourthRequestRejected(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	limiter := newTestLimiter(clock, newFakeCounterStore(clock))

	for i := 0; i < 3; i++ {
		decision, err := limiter.Check(context.Background(), "client-a", ClassApplicationSubmit)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := int64(2 - i); decision.Remaining != want {
			t.Fatalf("request %d remaining = %d, want %d", i+1, decision.Remaining, want)
		}
	}

	decision, err := limiter.Check(context.Background(), "client-a", ClassApplicationSubmit)
	if err != nil {
		t.Fatalf("fourth check: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("fourth request should be rejected")
	}
	if decision.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", decision.Remaining)
	}
	if decision.RetryAfter < time.Second {
		t.Fatalf("retry after = %v, want at least one second", decision.RetryAfter)
	}
}

func TestRateLimiter_WindowExpiryResets(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	limiter := newTestLimiter(clock, newFakeCounterStore(clock))

	for i := 0; i < 5; i++ {
		_, _ = limiter.Check(context.Background(), "client-a", ClassSignup)
	}
	decision, _ := limiter.Check(context.Background(), "client-a", ClassSignup)
	if decision.Allowed {
		t.Fatalf("expected rejection before window expiry")
	}

	clock.Advance(time.Minute + time.Second)
	decision, err := limiter.Check(context.Background(), "client-a", ClassSignup)
	if err != nil {
		t.Fatalf("check after expiry: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected new window after expiry")
	}
	if decision.Remaining != 4 {
		t.Fatalf("remaining = %d, want 4", decision.Remaining)
	}
}

func TestRateLimiter_PerKeyIsolation(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	limiter := newTestLimiter(clock, newFakeCounterStore(clock))

	for i := 0; i < 10; i++ {
		_, _ = limiter.Check(context.Background(), "noisy", ClassSignup)
	}
	decision, err := limiter.Check(context.Background(), "quiet", ClassSignup)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("unrelated client must not be throttled")
	}
}

func TestRateLimiter_FailModes(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	store := newFakeCounterStore(clock)
	limiter := newTestLimiter(clock, store)

	store.fail = true

	decision, err := limiter.Check(context.Background(), "client-a", ClassSeatPoll)
	if err != nil {
		t.Fatalf("fail-open check: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("seat-poll is fail-open, expected allow while store is down")
	}
	if decision.Remaining != 0 {
		t.Fatalf("fail-open remaining = %d, want 0 while the count is unknown", decision.Remaining)
	}

	decision, err = limiter.Check(context.Background(), "client-a", ClassApplicationSubmit)
	if err != nil {
		t.Fatalf("fail-closed check: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("application-submit is fail-closed, expected deny while store is down")
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("fail-closed denial must carry a retry hint")
	}
}

func TestRateLimiter_BreakerShortCircuits(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	store := newFakeCounterStore(clock)
	breaker := NewBreaker(BreakerOptions{FailureThreshold: 2, OpenDuration: time.Minute, HalfOpenMaxCalls: 1})
	classes := NewClassRegistry(DefaultLimitClasses())
	limiter := NewRateLimiter(classes, store, breaker, clock, observability.NopMetrics{}, observability.NopLogger{})

	store.fail = true
	for i := 0; i < 2; i++ {
		_, _ = limiter.Check(context.Background(), "client-a", ClassApplicationSubmit)
	}
	if breaker.State() != BreakerOpen {
		t.Fatalf("breaker state = %v, want open", breaker.State())
	}

	// Store recovers but the open breaker still applies the fail mode.
	store.fail = false
	decision, err := limiter.Check(context.Background(), "client-a", ClassApplicationSubmit)
	if err != nil {
		t.Fatalf("check with open breaker: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("fail-closed class must deny while the breaker is open")
	}
}

func TestRateLimiter_UnknownClass(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	limiter := newTestLimiter(clock, newFakeCounterStore(clock))

	_, err := limiter.Check(context.Background(), "client-a", "no-such-class")
	if CodeOf(err) != CodeConfiguration {
		t.Fatalf("code = %v, want configuration error", CodeOf(err))
	}
}
