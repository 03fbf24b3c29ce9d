package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"security-core/internal/metrics"
	"security-core/internal/security"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository is the persistence contract for audit entries.
//
// It is append-only: there is no Update method. Deletion happens only
// through the retention job's own contract.
type Repository interface {
	Append(ctx context.Context, e security.AuditLog) error
	Get(ctx context.Context, tenant, id string) (security.AuditLog, error)
	List(ctx context.Context, tenant string, f Filter) ([]security.AuditLog, error)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	UserID    string
	Action    security.AuditAction
	ModelName string
	ObjectID  string
	From      time.Time
	To        time.Time

	Limit  int
	Offset int
}

var (
	ErrInvalidEntry = errors.New("audit: invalid entry")
	ErrNotFound     = fmt.Errorf("audit: %w", security.ErrNotFound)
)

// Service writes checksummed audit entries.
// Callers on request paths should treat LogAction errors as best-effort.
type Service struct {
	repo    Repository
	clock   func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now, log: zap.NewNop()}
}

// WithClock replaces the time source; used for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.log = l.Named("audit")
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Option sets optional fields on an entry before it is checksummed.
type Option func(*security.AuditLog)

func WithObjectRepr(repr string) Option {
	return func(e *security.AuditLog) { e.ObjectRepr = security.Truncate(repr, 200) }
}

func WithOldValues(v security.Details) Option {
	return func(e *security.AuditLog) { e.OldValues = v }
}

func WithNewValues(v security.Details) Option {
	return func(e *security.AuditLog) { e.NewValues = v }
}

func WithDetails(v security.Details) Option {
	return func(e *security.AuditLog) { e.Details = v }
}

// WithSecurityEvent links the entry to a security event written alongside it.
func WithSecurityEvent(id string) Option {
	return func(e *security.AuditLog) { e.SecurityEventID = id }
}

// WithID fixes the entry id, for writes that must know it in advance.
func WithID(id string) Option {
	return func(e *security.AuditLog) { e.ID = id }
}

// Prepare builds a fully checksummed entry without storing it.
func (s *Service) Prepare(actor security.ActorContext, action security.AuditAction, subject security.Subject, changes security.Details, opts ...Option) (security.AuditLog, error) {
	if actor.Tenant == "" {
		return security.AuditLog{}, security.ErrTenantRequired
	}
	if !action.Valid() {
		return security.AuditLog{}, fmt.Errorf("%w: %w", ErrInvalidEntry, security.Invalid("action", fmt.Sprintf("unknown action %q", action)))
	}

	e := security.AuditLog{
		TenantSchema:  actor.Tenant,
		UserID:        actor.UserID,
		Action:        action,
		Subject:       subject,
		Changes:       changes,
		IPAddress:     actor.IPAddress,
		UserAgent:     actor.UserAgent,
		SessionKey:    actor.SessionKey,
		RequestPath:   actor.RequestPath,
		RequestMethod: actor.RequestMethod,
		CreatedAt:     stamp(s.clock()),
	}
	for _, o := range opts {
		o(&e)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	sum, err := Checksum(e)
	if err != nil {
		return security.AuditLog{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	e.Checksum = sum
	return e, nil
}

// LogAction records who did what to which object.
func (s *Service) LogAction(ctx context.Context, actor security.ActorContext, action security.AuditAction, subject security.Subject, changes security.Details, opts ...Option) (security.AuditLog, error) {
	if s.repo == nil {
		return security.AuditLog{}, errors.New("audit: repository not configured")
	}
	e, err := s.Prepare(actor, action, subject, changes, opts...)
	if err != nil {
		return security.AuditLog{}, err
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return security.AuditLog{}, fmt.Errorf("audit: append: %w", err)
	}
	s.Recorded(e)
	return e, nil
}

// Recorded reports an entry that was persisted outside LogAction.
func (s *Service) Recorded(e security.AuditLog) {
	s.metrics.AuditEntry(string(e.Action))
	s.log.Debug("audit entry written",
		zap.String("tenant", e.TenantSchema),
		zap.String("id", e.ID),
		zap.String("action", string(e.Action)),
		zap.String("model_name", e.ModelName),
	)
}

// Verify checks one entry and counts failures.
func (s *Service) Verify(e security.AuditLog) bool {
	ok := VerifyIntegrity(e)
	if !ok {
		s.metrics.IntegrityFailure()
		s.log.Warn("audit integrity check failed",
			zap.String("tenant", e.TenantSchema),
			zap.String("id", e.ID),
		)
	}
	return ok
}

func (s *Service) Get(ctx context.Context, tenant, id string) (security.AuditLog, error) {
	if tenant == "" {
		return security.AuditLog{}, security.ErrTenantRequired
	}
	return s.repo.Get(ctx, tenant, id)
}

func (s *Service) List(ctx context.Context, tenant string, f Filter) ([]security.AuditLog, error) {
	if tenant == "" {
		return nil, security.ErrTenantRequired
	}
	return s.repo.List(ctx, tenant, f)
}

// VerifyReport summarizes a verification sweep.
type VerifyReport struct {
	Tenant   string   `json:"tenant"`
	Checked  int      `json:"checked"`
	Tampered []string `json:"tampered"`
}

const verifyPageSize = 500

// VerifyAll walks every entry matching f and returns the ids that fail verification.
func (s *Service) VerifyAll(ctx context.Context, tenant string, f Filter) (VerifyReport, error) {
	if tenant == "" {
		return VerifyReport{}, security.ErrTenantRequired
	}
	rep := VerifyReport{Tenant: tenant, Tampered: []string{}}
	f.Limit = verifyPageSize
	f.Offset = 0
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		page, err := s.repo.List(ctx, tenant, f)
		if err != nil {
			return rep, err
		}
		for _, e := range page {
			rep.Checked++
			if !s.Verify(e) {
				rep.Tampered = append(rep.Tampered, e.ID)
			}
		}
		if len(page) < verifyPageSize {
			return rep, nil
		}
		f.Offset += len(page)
	}
}
