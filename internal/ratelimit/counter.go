package ratelimit

import (
	"context"
	"errors"
	"time"

	"security-core/internal/security"
)

var ErrInvalidRequest = errors.New("ratelimit: invalid request")

// Key identifies one counter.
type Key struct {
	Tenant     string
	Identifier string
	LimitType  security.LimitType
	Endpoint   string
}

func (k Key) validate() error {
	if k.Tenant == "" {
		return security.ErrTenantRequired
	}
	if k.Identifier == "" || k.LimitType == "" {
		return ErrInvalidRequest
	}
	return nil
}

// Hit is one attempt to record against a counter.
type Hit struct {
	Key
	Now           time.Time
	Limit         int
	Window        time.Duration
	BlockDuration time.Duration
	UserAgent     string
	Details       security.Details
}

// Outcome is the counter state after a hit.
type Outcome struct {
	Counter security.RateLimitAttempt
	// WasBlocked is true when a block was already in force before this hit.
	WasBlocked bool
	// Triggered is true when this hit set the block.
	Triggered bool
}

// Store persists counters. Hit must be atomic per Key: concurrent hits on
// the same key are applied one after another, never read-then-write.
type Store interface {
	Hit(ctx context.Context, h Hit) (Outcome, error)
	Get(ctx context.Context, k Key) (security.RateLimitAttempt, error)
	// ClearExpired clears is_blocked/blocked_until when blocked_until <= now.
	ClearExpired(ctx context.Context, k Key, now time.Time) (security.RateLimitAttempt, error)
	Reset(ctx context.Context, k Key) error
}

var ErrNotFound = errors.New("ratelimit: counter not found")

// advance applies one hit to c. A counter with zero attempts is new.
//
// A window older than h.Window restarts the count at 1 and clears any block.
// Inside the window an expired block is cleared before counting.
func advance(c security.RateLimitAttempt, h Hit) Outcome {
	now := h.Now
	out := Outcome{}

	if c.Attempts <= 0 || now.Sub(c.WindowStart) > h.Window {
		c.Attempts = 1
		c.WindowStart = now
		c.IsBlocked = false
		c.BlockedUntil = nil
	} else {
		if c.IsBlocked {
			if c.BlockedUntil != nil && now.Before(*c.BlockedUntil) {
				out.WasBlocked = true
			} else {
				c.IsBlocked = false
				c.BlockedUntil = nil
			}
		}
		c.Attempts++
	}
	c.LastAttempt = now
	if h.UserAgent != "" {
		c.UserAgent = h.UserAgent
	}
	if h.Details != nil {
		c.Details = h.Details
	}

	if c.Attempts >= h.Limit && !c.IsBlocked {
		until := now.Add(h.BlockDuration)
		c.IsBlocked = true
		c.BlockedUntil = &until
		out.Triggered = true
	}
	out.Counter = c
	return out
}

func fillKey(c *security.RateLimitAttempt, k Key) {
	c.TenantSchema = k.Tenant
	c.Identifier = k.Identifier
	c.LimitType = k.LimitType
	c.Endpoint = k.Endpoint
}
