package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores snapshots in Redis. GETDEL gives the atomic
// load-and-delete the single-use token invariant depends on.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend wraps an existing client and verifies connectivity.
func NewRedisBackend(ctx context.Context, client redis.UniversalClient) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("state: redis client is required")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("state: redis ping: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

// SetEx stores value under key with the given TTL.
func (b *RedisBackend) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("state: redis set: %w", err)
	}
	return nil
}

// GetDel atomically reads and deletes key. Racing callers see exactly one
// success; losers get ErrNotFound.
func (b *RedisBackend) GetDel(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: redis getdel: %w", err)
	}
	return data, nil
}

// Del removes key. Missing keys are not an error.
func (b *RedisBackend) Del(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("state: redis del: %w", err)
	}
	return nil
}
