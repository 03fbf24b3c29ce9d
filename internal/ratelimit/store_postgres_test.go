package ratelimit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"security-core/internal/schema/schematest"
	"security-core/internal/security"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_ConcurrentHitsAdmitExactlyLimit(t *testing.T) {
	db := schematest.Open(t)
	s := NewPostgresStore(db)
	ctx := context.Background()
	tenant := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	h := Hit{Key: Key{Tenant: tenant, Identifier: "10.3.3.3", LimitType: security.LimitLogin}, Now: t0, Limit: 5, Window: time.Hour, BlockDuration: time.Hour}

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
	assert.True(t, got.IsBlocked)
	require.NotNil(t, got.BlockedUntil)
	assert.True(t, got.BlockedUntil.Equal(t0.Add(time.Hour)))

	cleared, err := s.ClearExpired(ctx, h.Key, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, cleared.IsBlocked)

	deleted, err := s.DeleteStale(ctx, tenant, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	_, err = s.Get(ctx, h.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}
