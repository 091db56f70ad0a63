package nonce

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "sync:nonce:"

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) IsUsed(ctx context.Context, nonce string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+nonce).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkUsed relies on SETNX so that concurrent requests carrying the same
// nonce resolve to exactly one winner regardless of instance count.
func (s *RedisStore) MarkUsed(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return s.client.SetNX(ctx, keyPrefix+nonce, 1, ttl).Result()
}
