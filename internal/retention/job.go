package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"security-core/internal/metrics"
	"security-core/internal/security"

	"go.uber.org/zap"
)

const (
	CategorySecurityEvents       = "security_events"
	CategoryRateLimitAttempts    = "rate_limit_attempts"
	CategorySuspiciousActivities = "suspicious_activities"
	CategoryAuditLogs            = "audit_logs"

	// MinAuditDays is the floor for audit log retention.
	MinAuditDays = 90
	auditFactor  = 3
)

var ErrInvalidPolicy = errors.New("retention: max_age_days must be positive")

type EventPurger interface {
	// DeleteResolvedEventsBefore removes resolved events created before cutoff.
	DeleteResolvedEventsBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error)
	// DeleteFalsePositivesBefore removes investigated false positives created before cutoff.
	DeleteFalsePositivesBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error)
}

type CounterPurger interface {
	// DeleteStale removes unblocked counters whose last attempt is before cutoff.
	DeleteStale(ctx context.Context, tenant string, cutoff time.Time) (int64, error)
}

type AuditPurger interface {
	DeleteCreatedBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error)
}

type Policy struct {
	MaxAgeDays int `json:"max_age_days"`
}

// AuditDays is max(3 x MaxAgeDays, 90).
func (p Policy) AuditDays() int { return max(auditFactor*p.MaxAgeDays, MinAuditDays) }

// Result holds per-category deleted counts for one tenant.
type Result struct {
	Tenant      string           `json:"tenant"`
	Deleted     map[string]int64 `json:"deleted"`
	Cutoff      time.Time        `json:"cutoff"`
	AuditCutoff time.Time        `json:"audit_cutoff"`
}

// Job deletes aged rows that match the explicit retention predicates. It is
// run by an external scheduler and is safe alongside live traffic.
type Job struct {
	events   EventPurger
	counters CounterPurger
	audit    AuditPurger
	clock    func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewJob builds a job. counters may be nil when the limiter backend expires
// its own keys.
func NewJob(ev EventPurger, counters CounterPurger, audit AuditPurger) *Job {
	return &Job{events: ev, counters: counters, audit: audit, clock: time.Now, log: zap.NewNop()}
}

func (j *Job) WithClock(clock func() time.Time) *Job {
	j.clock = clock
	return j
}

func (j *Job) WithLogger(l *zap.Logger) *Job {
	if l != nil {
		j.log = l.Named("retention")
	}
	return j
}

func (j *Job) WithMetrics(m *metrics.Metrics) *Job {
	j.metrics = m
	return j
}

// Run purges one tenant. A failing category does not stop the others;
// their errors are joined.
func (j *Job) Run(ctx context.Context, tenant string, p Policy) (Result, error) {
	if tenant == "" {
		return Result{}, security.ErrTenantRequired
	}
	if p.MaxAgeDays <= 0 {
		return Result{}, ErrInvalidPolicy
	}
	now := j.clock().UTC()
	res := Result{
		Tenant:      tenant,
		Deleted:     map[string]int64{},
		Cutoff:      now.AddDate(0, 0, -p.MaxAgeDays),
		AuditCutoff: now.AddDate(0, 0, -p.AuditDays()),
	}

	type step struct {
		category string
		cutoff   time.Time
		run      func(ctx context.Context, tenant string, cutoff time.Time) (int64, error)
	}
	steps := []step{
		{CategorySecurityEvents, res.Cutoff, j.events.DeleteResolvedEventsBefore},
		{CategorySuspiciousActivities, res.Cutoff, j.events.DeleteFalsePositivesBefore},
		{CategoryAuditLogs, res.AuditCutoff, j.audit.DeleteCreatedBefore},
	}
	if j.counters != nil {
		steps = append(steps, step{CategoryRateLimitAttempts, res.Cutoff, j.counters.DeleteStale})
	} else {
		res.Deleted[CategoryRateLimitAttempts] = 0
	}

	var errs []error
	for _, s := range steps {
		n, err := s.run(ctx, tenant, s.cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("retention: %s: %w", s.category, err))
			j.log.Error("retention step failed", zap.String("tenant", tenant), zap.String("category", s.category), zap.Error(err))
			continue
		}
		res.Deleted[s.category] = n
		j.metrics.RetentionDeleted(s.category, n)
	}
	j.log.Info("retention run",
		zap.String("tenant", tenant),
		zap.Int("max_age_days", p.MaxAgeDays),
		zap.Any("deleted", res.Deleted),
	)
	return res, errors.Join(errs...)
}
