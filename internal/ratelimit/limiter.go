package ratelimit

import (
	"context"
	"fmt"
	"time"

	"security-core/internal/events"
	"security-core/internal/metrics"
	"security-core/internal/rules"
	"security-core/internal/security"

	"go.uber.org/zap"
)

// EventLogger records the security event emitted when a block triggers.
type EventLogger interface {
	LogSecurityEvent(ctx context.Context, actor security.ActorContext, eventType security.EventType, severity security.Severity, details security.Details, opts ...events.EventOption) (security.SecurityEvent, error)
}

// Decision is the result of RecordAttempt.
type Decision struct {
	Counter security.RateLimitAttempt `json:"counter"`
	// Blocked means the caller must reject the action.
	Blocked bool `json:"is_blocked"`
	// BlockTriggered means this attempt crossed the limit and set the block.
	BlockTriggered bool `json:"block_triggered"`
	Limit          int  `json:"limit"`
	Remaining      int  `json:"remaining"`
}

// RetryAfter is how long until the block lifts, zero when not blocked.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if !d.Blocked || d.Counter.BlockedUntil == nil {
		return 0
	}
	if w := d.Counter.BlockedUntil.Sub(now); w > 0 {
		return w
	}
	return 0
}

// Limiter enforces fixed-window attempt limits.
//
// The limit'th attempt inside a window sets the block and is still allowed;
// every later attempt is rejected until blocked_until passes.
type Limiter struct {
	store   Store
	rules   rules.Rules
	events  EventLogger
	metrics *metrics.Metrics
	log     *zap.Logger
	clock   func() time.Time
}

func NewLimiter(store Store, r rules.Rules, ev EventLogger) *Limiter {
	return &Limiter{store: store, rules: r, events: ev, log: zap.NewNop(), clock: time.Now}
}

func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

func (l *Limiter) WithLogger(lg *zap.Logger) *Limiter {
	if lg != nil {
		l.log = lg.Named("ratelimit")
	}
	return l
}

func (l *Limiter) WithMetrics(m *metrics.Metrics) *Limiter {
	l.metrics = m
	return l
}

// RecordAttempt counts one attempt for (identifier, limit type, endpoint).
// Store failures deny: the returned Decision is Blocked alongside the error.
func (l *Limiter) RecordAttempt(ctx context.Context, actor security.ActorContext, identifier string, limitType security.LimitType, endpoint string, metadata security.Details) (Decision, error) {
	k := Key{Tenant: actor.Tenant, Identifier: identifier, LimitType: limitType, Endpoint: endpoint}
	if err := k.validate(); err != nil {
		return Decision{Blocked: true}, err
	}
	limit := l.rules.LimitFor(limitType)

	out, err := l.store.Hit(ctx, Hit{
		Key:           k,
		Now:           l.clock().UTC().Truncate(time.Microsecond),
		Limit:         limit,
		Window:        l.rules.RateLimitWindow,
		BlockDuration: l.rules.BlockDuration,
		UserAgent:     actor.UserAgent,
		Details:       metadata,
	})
	if err != nil {
		l.metrics.RateLimitDecision(string(limitType), true)
		return Decision{Blocked: true, Limit: limit}, fmt.Errorf("ratelimit: hit: %w", err)
	}

	d := Decision{
		Counter:        out.Counter,
		Blocked:        out.WasBlocked,
		BlockTriggered: out.Triggered,
		Limit:          limit,
		Remaining:      max(limit-out.Counter.Attempts, 0),
	}
	l.metrics.RateLimitDecision(string(limitType), d.Blocked)
	if out.Triggered {
		l.metrics.RateLimitBlock(string(limitType))
		l.emitBlocked(ctx, actor, out.Counter)
	}
	return d, nil
}

func (l *Limiter) emitBlocked(ctx context.Context, actor security.ActorContext, c security.RateLimitAttempt) {
	eventType, severity := security.EventAPIRateLimit, security.SeverityMedium
	if c.LimitType == security.LimitLogin {
		eventType, severity = security.EventLoginBlocked, security.SeverityHigh
	}
	details := security.Details{
		"identifier": c.Identifier,
		"limit_type": string(c.LimitType),
		"endpoint":   c.Endpoint,
		"attempts":   c.Attempts,
	}
	if c.BlockedUntil != nil {
		details["blocked_until"] = c.BlockedUntil.UTC().Format(time.RFC3339)
	}
	l.log.Warn("rate limit block triggered",
		zap.String("tenant", c.TenantSchema),
		zap.String("identifier", c.Identifier),
		zap.String("limit_type", string(c.LimitType)),
		zap.Int("attempts", c.Attempts),
	)
	if l.events == nil {
		return
	}
	if _, err := l.events.LogSecurityEvent(ctx, actor, eventType, severity, details); err != nil {
		l.log.Error("block event write failed", zap.String("identifier", c.Identifier), zap.Error(err))
	}
}

// IsCurrentlyBlocked reports whether c's block is still in force. An expired
// block is cleared in the store as a side effect.
func (l *Limiter) IsCurrentlyBlocked(ctx context.Context, c security.RateLimitAttempt) (bool, error) {
	if !c.IsBlocked {
		return false, nil
	}
	now := l.clock().UTC()
	if c.BlockedUntil != nil && now.Before(*c.BlockedUntil) {
		return true, nil
	}
	k := Key{Tenant: c.TenantSchema, Identifier: c.Identifier, LimitType: c.LimitType, Endpoint: c.Endpoint}
	if _, err := l.store.ClearExpired(ctx, k, now); err != nil {
		return false, fmt.Errorf("ratelimit: clear expired: %w", err)
	}
	return false, nil
}

// Status loads a counter and reports whether it currently blocks.
func (l *Limiter) Status(ctx context.Context, tenant, identifier string, limitType security.LimitType, endpoint string) (security.RateLimitAttempt, bool, error) {
	k := Key{Tenant: tenant, Identifier: identifier, LimitType: limitType, Endpoint: endpoint}
	if err := k.validate(); err != nil {
		return security.RateLimitAttempt{}, false, err
	}
	c, err := l.store.Get(ctx, k)
	if err != nil {
		return security.RateLimitAttempt{}, false, err
	}
	blocked, err := l.IsCurrentlyBlocked(ctx, c)
	if err != nil {
		return c, true, err
	}
	if !blocked {
		c.IsBlocked, c.BlockedUntil = false, nil
	}
	return c, blocked, nil
}

// Reset drops a counter, e.g. the login counter after a successful login.
func (l *Limiter) Reset(ctx context.Context, tenant, identifier string, limitType security.LimitType, endpoint string) error {
	k := Key{Tenant: tenant, Identifier: identifier, LimitType: limitType, Endpoint: endpoint}
	if err := k.validate(); err != nil {
		return err
	}
	return l.store.Reset(ctx, k)
}
