package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreClosed is returned when a closed store is written to.
var ErrStoreClosed = errors.New("dedup: store is closed")

// RedisStore is a Store shared between processes. Keys expire after the
// configured TTL, so Cleanup is a no-op.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dedup: ping redis %q: %w", addr, err)
	}
	return NewRedisStoreWithClient(client, "eventbus:dedup:", ttl), nil
}

// NewRedisStoreWithClient wraps an existing client. Keys are stored as prefix+key.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: exists %q: %w", key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, key, messageType string) error {
	if err := r.client.SetNX(ctx, r.prefix+key, messageType, r.ttl).Err(); err != nil {
		return fmt.Errorf("dedup: mark %q: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Cleanup(context.Context, time.Duration) error { return nil }

func (r *RedisStore) Close() error {
	return r.client.Close()
}
