package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// reserveScript grants a seat only while the tally is below capacity. The
// compare and increment happen in one script so concurrent callers cannot
// both take the last seat.
//
// KEYS[1]: wave tally key
// ARGV[1]: wave capacity
const reserveScript = `
local filled = tonumber(redis.call('GET', KEYS[1]) or '0')
if filled >= tonumber(ARGV[1]) then
    return {filled, 0}
end
filled = redis.call('INCR', KEYS[1])
return {filled, 1}
`

// releaseScript decrements the tally without letting it go below zero.
//
// KEYS[1]: wave tally key
const releaseScript = `
local filled = tonumber(redis.call('GET', KEYS[1]) or '0')
if filled <= 0 then
    redis.call('SET', KEYS[1], '0')
    return 0
end
return redis.call('DECR', KEYS[1])
`

// SeatStore keeps per-wave seat tallies in Redis.
type SeatStore struct {
	rdb     *redis.Client
	prefix  string
	reserve *redis.Script
	release *redis.Script
}

// SeatOption configures a SeatStore.
type SeatOption func(*SeatStore)

// WithSeatPrefix overrides the key prefix.
func WithSeatPrefix(prefix string) SeatOption {
	return func(s *SeatStore) { s.prefix = prefix }
}

// NewSeatStore constructs a Redis seat store.
func NewSeatStore(rdb *redis.Client, opts ...SeatOption) *SeatStore {
	s := &SeatStore{
		rdb:     rdb,
		prefix:  "waitgate:seats",
		reserve: redis.NewScript(reserveScript),
		release: redis.NewScript(releaseScript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SeatStore) key(waveID int64) string {
	return s.prefix + ":" + strconv.FormatInt(waveID, 10)
}

// Reserve attempts to take one seat in the wave.
func (s *SeatStore) Reserve(ctx context.Context, waveID, capacity int64) (int64, bool, error) {
	if s == nil || s.rdb == nil {
		return 0, false, errors.New("seat store is nil")
	}
	res, err := s.reserve.Run(ctx, s.rdb, []string{s.key(waveID)}, capacity).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("reserve wave %d: %w", waveID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("reserve wave %d: unexpected reply length %d", waveID, len(res))
	}
	filled, ok := res[0].(int64)
	if !ok {
		return 0, false, fmt.Errorf("reserve wave %d: unexpected tally type %T", waveID, res[0])
	}
	granted, ok := res[1].(int64)
	if !ok {
		return 0, false, fmt.Errorf("reserve wave %d: unexpected grant type %T", waveID, res[1])
	}
	return filled, granted == 1, nil
}

// Release returns one seat to the wave.
func (s *SeatStore) Release(ctx context.Context, waveID int64) (int64, error) {
	if s == nil || s.rdb == nil {
		return 0, errors.New("seat store is nil")
	}
	filled, err := s.release.Run(ctx, s.rdb, []string{s.key(waveID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("release wave %d: %w", waveID, err)
	}
	return filled, nil
}

// Filled reads the current tally for the wave.
func (s *SeatStore) Filled(ctx context.Context, waveID int64) (int64, error) {
	if s == nil || s.rdb == nil {
		return 0, errors.New("seat store is nil")
	}
	filled, err := s.rdb.Get(ctx, s.key(waveID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read wave %d: %w", waveID, err)
	}
	return filled, nil
}

// SetFilled overwrites the tally, used by reconciliation.
func (s *SeatStore) SetFilled(ctx context.Context, waveID, filled int64) error {
	if s == nil || s.rdb == nil {
		return errors.New("seat store is nil")
	}
	if err := s.rdb.Set(ctx, s.key(waveID), filled, 0).Err(); err != nil {
		return fmt.Errorf("set wave %d: %w", waveID, err)
	}
	return nil
}
