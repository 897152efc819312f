package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingMarker = "pending"
	donePrefix    = "done:"
)

// RedisClient is the minimal command surface the RedisStore uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore shares idempotency records across orchestrator instances.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore constructs a Redis-backed Store. A non-positive ttl falls
// back to DefaultTTL.
func NewRedisStore(client RedisClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "idem:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) CheckAndReserve(ctx context.Context, key string) (Decision, string, error) {
	full := s.keyPrefix + key

	ok, err := s.client.SetNX(ctx, full, pendingMarker, s.ttl).Result()
	if err != nil {
		return Proceed, "", err
	}
	if ok {
		return Proceed, "", nil
	}

	val, err := s.client.Get(ctx, full).Result()
	if errors.Is(err, redis.Nil) {
		// Entry expired between SetNX and Get; treat as unseen.
		return s.CheckAndReserve(ctx, key)
	}
	if err != nil {
		return Proceed, "", err
	}
	if val == pendingMarker {
		return InProgress, "", nil
	}
	return Done, strings.TrimPrefix(val, donePrefix), nil
}

func (s *RedisStore) Complete(ctx context.Context, key, outcome string) error {
	return s.client.Set(ctx, s.keyPrefix+key, donePrefix+outcome, s.ttl).Err()
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.keyPrefix+key).Err()
}
