package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	seen, err := s.IsProcessed(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkProcessed(ctx, "k1", "OrderPlaced"))
	require.NoError(t, s.MarkProcessed(ctx, "k1", "OrderPlaced"))

	seen, err = s.IsProcessed(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.IsProcessed(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	testStore(t, s)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.MarkProcessed(context.Background(), "k3", "x"), ErrStoreClosed)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now.Add(-2 * time.Hour) }
	require.NoError(t, s.MarkProcessed(context.Background(), "old", "x"))
	s.now = func() time.Time { return now }
	require.NoError(t, s.MarkProcessed(context.Background(), "new", "x"))

	require.NoError(t, s.Cleanup(context.Background(), time.Hour))
	assert.Equal(t, 1, s.Len())

	seen, _ := s.IsProcessed(context.Background(), "new")
	assert.True(t, seen)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, "test:", time.Minute)
	t.Cleanup(func() { _ = s.Close() })

	testStore(t, s)
	assert.True(t, mr.Exists("test:k1"))

	mr.FastForward(2 * time.Minute)
	seen, err := s.IsProcessed(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, seen, "key should expire after ttl")
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisStore(ctx, addr, time.Minute)
	assert.Error(t, err)
}
