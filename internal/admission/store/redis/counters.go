// Package redis provides Redis-backed admission stores for multi-instance
// deployments where counters and seat tallies must be shared.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps a window counter and stamps its expiry on first hit.
// Returning the counter and remaining TTL together keeps the reset time
// consistent with the increment that produced it.
//
// KEYS[1]: window counter key
// ARGV[1]: window length in milliseconds
const incrScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

// CounterStore keeps fixed-window counters in Redis. Expiry handles window
// turnover and garbage collection in one mechanism.
type CounterStore struct {
	rdb    *redis.Client
	prefix string
	script *redis.Script
}

// CounterOption configures a CounterStore.
type CounterOption func(*CounterStore)

// WithCounterPrefix overrides the key prefix.
func WithCounterPrefix(prefix string) CounterOption {
	return func(s *CounterStore) { s.prefix = prefix }
}

// NewCounterStore constructs a Redis counter store.
func NewCounterStore(rdb *redis.Client, opts ...CounterOption) *CounterStore {
	s := &CounterStore{
		rdb:    rdb,
		prefix: "waitgate:rl",
		script: redis.NewScript(incrScript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Incr bumps the counter for the key's current window and returns the new
// count with the window's reset time.
func (s *CounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if s == nil || s.rdb == nil {
		return 0, time.Time{}, errors.New("counter store is nil")
	}
	if window <= 0 {
		return 0, time.Time{}, errors.New("window must be positive")
	}

	full := s.prefix + ":" + key
	res, err := s.script.Run(ctx, s.rdb, []string{full}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incr %q: %w", key, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("incr %q: unexpected reply length %d", key, len(res))
	}
	count, ok := res[0].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("incr %q: unexpected count type %T", key, res[0])
	}
	ttlMillis, ok := res[1].(int64)
	if !ok {
		return 0, time.Time{}, fmt.Errorf("incr %q: unexpected ttl type %T", key, res[1])
	}

	resetAt := time.Now().Add(time.Duration(ttlMillis) * time.Millisecond)
	return count, resetAt, nil
}

// Healthy reports whether Redis answers a ping.
func (s *CounterStore) Healthy(ctx context.Context) bool {
	if s == nil || s.rdb == nil {
		return false
	}
	return s.rdb.Ping(ctx).Err() == nil
}
