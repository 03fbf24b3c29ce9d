package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
	"go.uber.org/zap"
)

// Cached fronts a Directory with a bigcache of found users. Misses are not
// cached, so a user created after a failed lookup resolves on the next call.
type Cached struct {
	inner Directory
	cache *bigcache.BigCache
	log   *zap.Logger
}

// NewCached builds the cache with entries living for ttl.
func NewCached(ctx context.Context, inner Directory, ttl time.Duration) (*Cached, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 64
	cfg.MaxEntrySize = 256
	cfg.Verbose = false
	c, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: c, log: zap.NewNop()}, nil
}

func (c *Cached) WithLogger(l *zap.Logger) *Cached {
	if l != nil {
		c.log = l.Named("directory")
	}
	return c
}

func (c *Cached) Lookup(ctx context.Context, tenant, id string) (User, error) {
	key := tenant + "|" + id
	if raw, err := c.cache.Get(key); err == nil {
		var u User
		if err := json.Unmarshal(raw, &u); err == nil {
			return u, nil
		}
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		c.log.Warn("cache read failed", zap.Error(err))
	}

	u, err := c.inner.Lookup(ctx, tenant, id)
	if err != nil {
		return User{}, err
	}
	if raw, err := json.Marshal(u); err == nil {
		if err := c.cache.Set(key, raw); err != nil {
			c.log.Warn("cache write failed", zap.Error(err))
		}
	}
	return u, nil
}

// Close stops the cache's cleanup goroutine.
func (c *Cached) Close() error { return c.cache.Close() }
