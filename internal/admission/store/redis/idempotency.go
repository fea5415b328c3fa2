package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers processed webhook event ids with a TTL so a
// replayed delivery is acknowledged without being applied twice.
type IdempotencyStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewIdempotencyStore constructs a Redis idempotency store. A zero ttl
// defaults to 24 hours, matching the longest webhook retry horizon.
func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{rdb: rdb, prefix: "waitgate:webhook", ttl: ttl}
}

// MarkProcessed records the event id. It returns false when the id was
// already present.
func (s *IdempotencyStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	if s == nil || s.rdb == nil {
		return false, errors.New("idempotency store is nil")
	}
	set, err := s.rdb.SetNX(ctx, s.prefix+":"+eventID, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark event %q: %w", eventID, err)
	}
	return set, nil
}

// Forget drops the claim for an event id so a failed delivery can be retried.
func (s *IdempotencyStore) Forget(ctx context.Context, eventID string) error {
	if s == nil || s.rdb == nil {
		return errors.New("idempotency store is nil")
	}
	if err := s.rdb.Del(ctx, s.prefix+":"+eventID).Err(); err != nil {
		return fmt.Errorf("forget event %q: %w", eventID, err)
	}
	return nil
}
