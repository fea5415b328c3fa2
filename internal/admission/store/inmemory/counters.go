// Package inmemory provides in-process store implementations.
package inmemory

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

const counterShards = 64

// CounterStore is a sharded fixed-window counter map. Each shard carries its
// own lock so contention on one client key never serializes other clients.
// Windows are created lazily and garbage collected after expiry plus a grace
// period.
type CounterStore struct {
	shards      [counterShards]counterShard
	grace       time.Duration
	unavailable atomic.Bool
	now         func() time.Time
}

type counterShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int64
	resetAt time.Time
}

// CounterOption configures the store.
type CounterOption func(*CounterStore)

// WithGrace overrides how long an expired window lingers before GC.
func WithGrace(d time.Duration) CounterOption {
	return func(s *CounterStore) { s.grace = d }
}

// WithNowFunc overrides the time source for tests.
func WithNowFunc(now func() time.Time) CounterOption {
	return func(s *CounterStore) { s.now = now }
}

// NewCounterStore constructs an empty counter store.
func NewCounterStore(opts ...CounterOption) *CounterStore {
	store := &CounterStore{
		grace: 5 * time.Minute,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for i := range store.shards {
		store.shards[i].windows = make(map[string]*window)
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Incr atomically advances the window for key. A new window is opened when
// none exists or resetAt has passed, however far in the past.
func (s *CounterStore) Incr(ctx context.Context, key string, windowDur time.Duration) (int64, time.Time, error) {
	if s == nil {
		return 0, time.Time{}, errors.New("counter store is nil")
	}
	if s.unavailable.Load() {
		return 0, time.Time{}, errors.New("counter store unavailable")
	}
	if key == "" || windowDur <= 0 {
		return 0, time.Time{}, errors.New("invalid counter arguments")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return 0, time.Time{}, err
		}
	}
	now := s.now()
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	win := shard.windows[key]
	if win == nil || !now.Before(win.resetAt) {
		win = &window{count: 1, resetAt: now.Add(windowDur)}
		shard.windows[key] = win
		return 1, win.resetAt, nil
	}
	win.count++
	return win.count, win.resetAt, nil
}

// Healthy reports whether the store is accepting operations.
func (s *CounterStore) Healthy(ctx context.Context) bool {
	return s != nil && !s.unavailable.Load()
}

// SetUnavailable toggles simulated store failure for tests and drills.
func (s *CounterStore) SetUnavailable(down bool) {
	if s == nil {
		return
	}
	s.unavailable.Store(down)
}

// Sweep removes windows expired beyond the grace period. Returns how many
// entries were collected.
func (s *CounterStore) Sweep() int {
	if s == nil {
		return 0
	}
	cutoff := s.now().Add(-s.grace)
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, win := range shard.windows {
			if win.resetAt.Before(cutoff) {
				delete(shard.windows, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// StartJanitor sweeps expired windows periodically until ctx is done.
func (s *CounterStore) StartJanitor(ctx context.Context, every time.Duration) {
	if s == nil || every <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Len reports the number of live windows, for tests.
func (s *CounterStore) Len() int {
	if s == nil {
		return 0
	}
	total := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		total += len(shard.windows)
		shard.mu.Unlock()
	}
	return total
}

func (s *CounterStore) shard(key string) *counterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%counterShards]
}
