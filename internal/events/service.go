package events

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"security-core/internal/audit"
	"security-core/internal/metrics"
	"security-core/internal/rules"
	"security-core/internal/security"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service is the write entry point of the event store.
type Service struct {
	repo      Repository
	audit     *audit.Service
	rules     rules.Rules
	publisher Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
	clock     func() time.Time
}

func NewService(repo Repository, auditSvc *audit.Service, r rules.Rules) *Service {
	return &Service{repo: repo, audit: auditSvc, rules: r, log: zap.NewNop(), clock: time.Now}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.log = l.Named("events")
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// WithPublisher enables best-effort notifications for stored events.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC().Truncate(time.Microsecond) }

// EventOption sets optional fields on a new event.
type EventOption func(*security.SecurityEvent)

// WithUsernameAttempted records the username typed on a failed login.
func WithUsernameAttempted(username string) EventOption {
	return func(ev *security.SecurityEvent) { ev.UsernameAttempted = security.Truncate(username, 150) }
}

// WithUser overrides the event's user, for events about someone other than the actor.
func WithUser(userID string) EventOption {
	return func(ev *security.SecurityEvent) { ev.UserID = userID }
}

func (s *Service) newEvent(actor security.ActorContext, eventType security.EventType, severity security.Severity, details security.Details) (security.SecurityEvent, error) {
	if actor.Tenant == "" {
		return security.SecurityEvent{}, security.ErrTenantRequired
	}
	if !eventType.Valid() {
		return security.SecurityEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, security.Invalid("event_type", fmt.Sprintf("unknown type %q", eventType)))
	}
	if !severity.Valid() {
		return security.SecurityEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, security.Invalid("severity", fmt.Sprintf("unknown level %q", severity)))
	}
	if details == nil {
		details = security.Details{}
	}
	now := s.now()
	return security.SecurityEvent{
		ID:                  uuid.NewString(),
		TenantSchema:        actor.Tenant,
		EventType:           eventType,
		Severity:            severity,
		UserID:              actor.UserID,
		IPAddress:           actor.IPAddress,
		UserAgent:           actor.UserAgent,
		SessionKey:          actor.SessionKey,
		RequestPath:         actor.RequestPath,
		RequestMethod:       actor.RequestMethod,
		Details:             details,
		InvestigationStatus: security.StatusNotStarted,
		CreatedAt:           now,
		UpdatedAt:           now,
		CreatedBy:           actor.UserID,
		UpdatedBy:           actor.UserID,
	}, nil
}

// LogSecurityEvent stores one security event. A storage failure is returned
// to the caller, who decides whether the surrounding action proceeds.
func (s *Service) LogSecurityEvent(ctx context.Context, actor security.ActorContext, eventType security.EventType, severity security.Severity, details security.Details, opts ...EventOption) (security.SecurityEvent, error) {
	ev, err := s.newEvent(actor, eventType, severity, details)
	if err != nil {
		return security.SecurityEvent{}, err
	}
	for _, o := range opts {
		o(&ev)
	}
	if err := s.repo.CreateEvent(ctx, ev); err != nil {
		return security.SecurityEvent{}, fmt.Errorf("events: create: %w", err)
	}
	s.stored(ctx, ev)
	return ev, nil
}

func (s *Service) stored(ctx context.Context, ev security.SecurityEvent) {
	s.metrics.SecurityEvent(string(ev.EventType), string(ev.Severity))
	s.log.Info("security event",
		zap.String("tenant", ev.TenantSchema),
		zap.String("id", ev.ID),
		zap.String("event_type", string(ev.EventType)),
		zap.String("severity", string(ev.Severity)),
		zap.String("ip", ev.IPAddress),
		zap.String("user_id", ev.UserID),
	)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.metrics.StreamPublishError()
		s.log.Warn("security event publish failed", zap.String("id", ev.ID), zap.Error(err))
	}
}

// Impersonation is an admin acting as another user.
type Impersonation struct {
	TargetUserID   string
	TargetUsername string
	Reason         string
}

// LogImpersonation writes one audit entry (action impersonation) and one
// security event (admin_impersonation) together, each carrying the other's id.
func (s *Service) LogImpersonation(ctx context.Context, actor security.ActorContext, imp Impersonation) (security.SecurityEvent, security.AuditLog, error) {
	if imp.TargetUserID == "" {
		return security.SecurityEvent{}, security.AuditLog{}, fmt.Errorf("%w: %w", ErrInvalidEvent, security.Invalid("target_user_id", "required"))
	}
	if s.audit == nil {
		return security.SecurityEvent{}, security.AuditLog{}, errors.New("events: audit service not configured")
	}

	ev, err := s.newEvent(actor, security.EventAdminImpersonation, security.SeverityMedium, security.Details{
		"target_user_id":  imp.TargetUserID,
		"target_username": imp.TargetUsername,
		"reason":          imp.Reason,
	})
	if err != nil {
		return security.SecurityEvent{}, security.AuditLog{}, err
	}
	auditID := uuid.NewString()
	ev.AuditLogID = auditID

	entry, err := s.audit.Prepare(actor, security.ActionImpersonation,
		security.Subject{ModelName: "auth.user", ObjectID: imp.TargetUserID},
		security.Details{"impersonated_user_id": imp.TargetUserID, "impersonated_username": imp.TargetUsername},
		audit.WithID(auditID),
		audit.WithSecurityEvent(ev.ID),
		audit.WithObjectRepr(imp.TargetUsername),
		audit.WithDetails(security.Details{"reason": imp.Reason}),
	)
	if err != nil {
		return security.SecurityEvent{}, security.AuditLog{}, err
	}

	if err := s.repo.CreateLinked(ctx, ev, entry); err != nil {
		return security.SecurityEvent{}, security.AuditLog{}, fmt.Errorf("events: create impersonation: %w", err)
	}
	s.audit.Recorded(entry)
	s.stored(ctx, ev)
	return ev, entry, nil
}

// NewActivity describes a detection to record.
type NewActivity struct {
	ActivityType    security.ActivityType
	ConfidenceScore float64
	PatternData     security.Details
	RelatedEventIDs []string
	// UserID overrides the actor's user when the activity concerns someone else.
	UserID string
}

// RecordSuspiciousActivity stores a flagged pattern with its risk level
// derived from type and confidence, plus the linked suspicious_activity event.
func (s *Service) RecordSuspiciousActivity(ctx context.Context, actor security.ActorContext, in NewActivity) (security.SuspiciousActivity, security.SecurityEvent, error) {
	if !in.ActivityType.Valid() {
		return security.SuspiciousActivity{}, security.SecurityEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, security.Invalid("activity_type", fmt.Sprintf("unknown type %q", in.ActivityType)))
	}
	if math.IsNaN(in.ConfidenceScore) || in.ConfidenceScore < 0 || in.ConfidenceScore > 1 {
		return security.SuspiciousActivity{}, security.SecurityEvent{}, fmt.Errorf("%w: %w", ErrInvalidEvent, security.Invalid("confidence_score", "must be within [0, 1]"))
	}
	userID := actor.UserID
	if in.UserID != "" {
		userID = in.UserID
	}
	level := s.rules.ActivityRiskLevel(in.ActivityType, in.ConfidenceScore)

	act := security.SuspiciousActivity{
		ID:              uuid.NewString(),
		TenantSchema:    actor.Tenant,
		ActivityType:    in.ActivityType,
		RiskLevel:       level,
		UserID:          userID,
		IPAddress:       actor.IPAddress,
		UserAgent:       actor.UserAgent,
		SessionKey:      actor.SessionKey,
		PatternData:     in.PatternData,
		ConfidenceScore: in.ConfidenceScore,
		RelatedEventIDs: append([]string(nil), in.RelatedEventIDs...),
	}

	ev, err := s.newEvent(actor, security.EventSuspiciousActivity, level, security.Details{
		"suspicious_activity_id": act.ID,
		"activity_type":          string(in.ActivityType),
		"confidence_score":       in.ConfidenceScore,
		"pattern_data":           map[string]any(in.PatternData),
	})
	if err != nil {
		return security.SuspiciousActivity{}, security.SecurityEvent{}, err
	}
	ev.UserID = userID
	act.CreatedAt, act.UpdatedAt = ev.CreatedAt, ev.CreatedAt
	act.RelatedEventIDs = append(act.RelatedEventIDs, ev.ID)

	if err := s.repo.CreateActivity(ctx, act, ev); err != nil {
		return security.SuspiciousActivity{}, security.SecurityEvent{}, fmt.Errorf("events: create activity: %w", err)
	}
	s.metrics.SuspiciousActivity(string(act.ActivityType), string(act.RiskLevel))
	s.stored(ctx, ev)
	return act, ev, nil
}

// InvestigateActivity marks an activity investigated and audits the transition.
func (s *Service) InvestigateActivity(ctx context.Context, actor security.ActorContext, activityID, notes string, falsePositive bool) (security.SuspiciousActivity, error) {
	if actor.Tenant == "" {
		return security.SuspiciousActivity{}, security.ErrTenantRequired
	}
	act, err := s.repo.GetActivity(ctx, actor.Tenant, activityID)
	if err != nil {
		return security.SuspiciousActivity{}, err
	}
	now := s.now()
	act.IsInvestigated = true
	act.InvestigatedBy = actor.UserID
	act.InvestigatedAt = &now
	act.InvestigationNotes = notes
	act.IsFalsePositive = falsePositive
	act.UpdatedAt = now
	if err := s.repo.UpdateActivity(ctx, act); err != nil {
		return security.SuspiciousActivity{}, fmt.Errorf("events: update activity: %w", err)
	}

	if s.audit != nil {
		if _, err := s.audit.LogAction(ctx, actor, security.ActionActivityInvestigated,
			security.Subject{ModelName: "security.suspicious_activity", ObjectID: act.ID},
			security.Details{"is_false_positive": falsePositive, "notes": notes},
		); err != nil {
			s.log.Warn("audit write failed", zap.String("activity_id", act.ID), zap.Error(err))
		}
	}
	return act, nil
}

func (s *Service) GetEvent(ctx context.Context, tenant, id string) (security.SecurityEvent, error) {
	if tenant == "" {
		return security.SecurityEvent{}, security.ErrTenantRequired
	}
	return s.repo.GetEvent(ctx, tenant, id)
}

func (s *Service) GetActivity(ctx context.Context, tenant, id string) (security.SuspiciousActivity, error) {
	if tenant == "" {
		return security.SuspiciousActivity{}, security.ErrTenantRequired
	}
	return s.repo.GetActivity(ctx, tenant, id)
}

func (s *Service) ListActivities(ctx context.Context, tenant string, q ActivityQuery) ([]security.SuspiciousActivity, error) {
	if tenant == "" {
		return nil, security.ErrTenantRequired
	}
	return s.repo.ListActivities(ctx, tenant, q)
}
