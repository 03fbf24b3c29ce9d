package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"security-core/internal/security"
	"security-core/pkg/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMiniStore runs the counter scripts on an in-process Redis.
func newMiniStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr, rdb
}

// Runs against a real Redis when REDIS_TEST_ADDR is set.
func TestRedisStore_HitAndClear(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	s := NewRedisStore(rdb)
	k := Key{Tenant: "t-test", Identifier: "10.1.1.1", LimitType: security.LimitLogin}
	require.NoError(t, s.Reset(ctx, k))
	defer s.Reset(ctx, k)

	now := time.Now().UTC().Truncate(time.Microsecond)
	h := Hit{Key: k, Now: now, Limit: 2, Window: 15 * time.Minute, BlockDuration: time.Hour, Details: security.Details{"path": "/login"}}

	out, err := s.Hit(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Counter.Attempts)
	assert.False(t, out.Triggered)

	out, err = s.Hit(ctx, h)
	require.NoError(t, err)
	assert.True(t, out.Triggered)
	require.NotNil(t, out.Counter.BlockedUntil)
	assert.Equal(t, now.Add(time.Hour), *out.Counter.BlockedUntil)

	got, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, out.Counter.ID, got.ID)
	assert.Equal(t, now, got.WindowStart)
	assert.Equal(t, "/login", got.Details["path"])

	cleared, err := s.ClearExpired(ctx, k, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, cleared.IsBlocked)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	k := Key{Tenant: "t1", Identifier: "10.1.1.1", LimitType: security.LimitLogin}
	s := NewRedisStore(nil)
	assert.Equal(t, "ratelimit:t1:login::10.1.1.1", s.key(k))

	s.WithKeyPrefix("prod:")
	assert.Equal(t, "prod:ratelimit:t1:login::10.1.1.1", s.key(k))
}

func TestRedisStore_LuaBlocksOnLimitAndRestartsWindow(t *testing.T) {
	s, mr, _ := newMiniStore(t)
	ctx := context.Background()
	k := Key{Tenant: "t1", Identifier: "10.1.1.1", LimitType: security.LimitLogin}
	h := Hit{Key: k, Now: t0, Limit: 5, Window: time.Hour, BlockDuration: time.Hour, UserAgent: "curl/8", Details: security.Details{"path": "/login"}}

	for i := 1; i <= 4; i++ {
		out, err := s.Hit(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, i, out.Counter.Attempts)
		assert.False(t, out.Triggered)
		assert.False(t, out.WasBlocked)
		assert.False(t, out.Counter.IsBlocked)
	}

	fifth, err := s.Hit(ctx, h)
	require.NoError(t, err)
	assert.True(t, fifth.Triggered)
	assert.False(t, fifth.WasBlocked, "the attempt that sets the block is still allowed")
	require.NotNil(t, fifth.Counter.BlockedUntil)
	assert.Equal(t, t0.Add(time.Hour), *fifth.Counter.BlockedUntil)

	sixth, err := s.Hit(ctx, h)
	require.NoError(t, err)
	assert.True(t, sixth.WasBlocked)
	assert.False(t, sixth.Triggered)
	assert.Equal(t, 6, sixth.Counter.Attempts)
	assert.Equal(t, fifth.Counter.ID, sixth.Counter.ID)

	got, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Attempts)
	assert.Equal(t, t0, got.WindowStart)
	assert.Equal(t, "curl/8", got.UserAgent)
	assert.Equal(t, "/login", got.Details["path"])
	assert.True(t, got.IsBlocked)
	assert.Greater(t, mr.TTL(s.key(k)), time.Hour)

	later := h
	later.Now = t0.Add(61 * time.Minute)
	out, err := s.Hit(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Counter.Attempts)
	assert.False(t, out.WasBlocked)
	assert.False(t, out.Counter.IsBlocked)
	assert.Equal(t, later.Now, out.Counter.WindowStart)
}

func TestRedisStore_LuaClearExpired(t *testing.T) {
	s, _, _ := newMiniStore(t)
	ctx := context.Background()
	k := Key{Tenant: "t1", Identifier: "u1", LimitType: security.LimitSearch}

	_, err := s.ClearExpired(ctx, k, t0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Hit(ctx, Hit{Key: k, Now: t0, Limit: 1, Window: time.Hour, BlockDuration: 10 * time.Minute})
	require.NoError(t, err)

	still, err := s.ClearExpired(ctx, k, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, still.IsBlocked)

	cleared, err := s.ClearExpired(ctx, k, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, cleared.IsBlocked)
	assert.Nil(t, cleared.BlockedUntil)
	assert.Equal(t, 1, cleared.Attempts)

	require.NoError(t, s.Reset(ctx, k))
	_, err = s.Get(ctx, k)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_LuaConcurrentHitsAdmitExactlyLimit(t *testing.T) {
	s, _, _ := newMiniStore(t)
	ctx := context.Background()
	h := Hit{Key: Key{Tenant: "t1", Identifier: "10.2.2.2", LimitType: security.LimitLogin}, Now: t0, Limit: 5, Window: time.Hour, BlockDuration: time.Hour}

	const n = 50
	var allowed, triggered atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.Hit(ctx, h)
			if err != nil {
				t.Error(err)
				return
			}
			if !out.WasBlocked {
				allowed.Add(1)
			}
			if out.Triggered {
				triggered.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), allowed.Load())
	assert.Equal(t, int64(1), triggered.Load())
	got, err := s.Get(ctx, h.Key)
	require.NoError(t, err)
	assert.Equal(t, n, got.Attempts)
}

func TestRedisStore_Preload(t *testing.T) {
	s, _, rdb := newMiniStore(t)
	ctx := context.Background()
	require.NoError(t, s.Preload(ctx))

	exists, err := rdb.ScriptExists(ctx, hitScript.Hash(), clearExpiredScript.Hash()).Result()
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, exists)
}
