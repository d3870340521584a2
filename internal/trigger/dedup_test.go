package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard()
	now := base
	g.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := g.Claim(ctx, "trg-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Claim(ctx, "trg-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = g.Claim(ctx, "trg-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, g.Len())

	now = base.Add(time.Hour)
	ok, err = g.Claim(ctx, "trg-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim can be retaken")

	require.NoError(t, g.Release(ctx, "trg-2"))
	ok, err = g.Claim(ctx, "trg-2", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func newRedisGuard(t *testing.T, opts ...RedisOption) (*RedisGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisGuard(client, opts...), mr
}

func TestRedisGuard_ClaimAndExpire(t *testing.T) {
	g, mr := newRedisGuard(t)
	ctx := context.Background()

	ok, err := g.Claim(ctx, "trg-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("chainops:dedup:trg-1"))
	assert.Equal(t, time.Minute, mr.TTL("chainops:dedup:trg-1"))

	ok, err = g.Claim(ctx, "trg-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = g.Claim(ctx, "trg-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisGuard_ReleaseAndPrefix(t *testing.T) {
	g, mr := newRedisGuard(t, WithPrefix("test:"))
	ctx := context.Background()

	ok, err := g.Claim(ctx, "trg-9", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("test:trg-9"))

	require.NoError(t, g.Release(ctx, "trg-9"))
	assert.False(t, mr.Exists("test:trg-9"))
}

func TestRedisGuard_ServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	g := NewRedisGuard(client)
	mr.Close()

	_, err = g.Claim(context.Background(), "trg-1", time.Minute)
	assert.Error(t, err)
}
