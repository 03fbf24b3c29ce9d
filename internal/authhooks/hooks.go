// Package authhooks reacts to authentication signals: it records the
// security event and audit entry for each one, feeds the login limiter and
// runs login threat and pattern detection.
//
// Hooks never fail the authentication flow because of a logging problem.
// The only verdict a caller must honor is the limiter's Decision.
package authhooks

import (
	"context"
	"time"

	"security-core/internal/audit"
	"security-core/internal/events"
	"security-core/internal/ratelimit"
	"security-core/internal/risk"
	"security-core/internal/security"
	"security-core/internal/threat"

	"go.uber.org/zap"
)

// LoginEndpoint is the rate-limit endpoint used for login attempts.
const LoginEndpoint = "login"

// suspiciousLoginScore is the threat score at which a successful login is
// also recorded as a suspicious activity.
const suspiciousLoginScore = 30

type Hooks struct {
	events   *events.Service
	audit    *audit.Service
	limiter  *ratelimit.Limiter
	detector *threat.Detector
	risk     *risk.Service
	log      *zap.Logger
	clock    func() time.Time
}

// New wires the hooks. limiter, detector and riskSvc may be nil to skip
// the matching step.
func New(ev *events.Service, auditSvc *audit.Service, limiter *ratelimit.Limiter, detector *threat.Detector, riskSvc *risk.Service) *Hooks {
	return &Hooks{
		events:   ev,
		audit:    auditSvc,
		limiter:  limiter,
		detector: detector,
		risk:     riskSvc,
		log:      zap.NewNop(),
		clock:    time.Now,
	}
}

func (h *Hooks) WithClock(clock func() time.Time) *Hooks {
	h.clock = clock
	return h
}

func (h *Hooks) WithLogger(l *zap.Logger) *Hooks {
	if l != nil {
		h.log = l.Named("authhooks")
	}
	return h
}

// LoginIdentifier is the counter key for login attempts from actor.
func LoginIdentifier(actor security.ActorContext) string {
	if actor.IPAddress != "" {
		return actor.IPAddress
	}
	return "unknown"
}

// LoginResult is what LoginSucceeded observed.
type LoginResult struct {
	Event    security.SecurityEvent       `json:"event"`
	Analysis threat.Analysis              `json:"analysis"`
	Activity *security.SuspiciousActivity `json:"suspicious_activity,omitempty"`
}

// LoginSucceeded records a successful login for actor.UserID.
//
// The threat analysis runs before the login_success event is stored so the
// current login is never part of its own history.
func (h *Hooks) LoginSucceeded(ctx context.Context, actor security.ActorContext, username string) LoginResult {
	var res LoginResult
	log := h.log.With(zap.String("tenant", actor.Tenant), zap.String("user_id", actor.UserID))

	if h.detector != nil {
		a, err := h.detector.AnalyzeLoginPattern(ctx, actor.Tenant, threat.Login{
			UserID:    actor.UserID,
			IPAddress: actor.IPAddress,
			UserAgent: actor.UserAgent,
			At:        h.clock(),
		})
		if err != nil {
			log.Warn("login analysis failed", zap.Error(err))
		}
		res.Analysis = a
	}

	ev, err := h.events.LogSecurityEvent(ctx, actor, security.EventLoginSuccess, security.SeverityLow, security.Details{
		"username":   username,
		"risk_score": res.Analysis.RiskScore,
	})
	if err != nil {
		log.Warn("login event write failed", zap.Error(err))
	}
	res.Event = ev

	h.auditAction(ctx, actor, security.ActionLogin, username, security.Details{"username": username})

	if h.limiter != nil {
		if err := h.limiter.Reset(ctx, actor.Tenant, LoginIdentifier(actor), security.LimitLogin, LoginEndpoint); err != nil {
			log.Warn("login limiter reset failed", zap.Error(err))
		}
	}

	if res.Analysis.RiskScore >= suspiciousLoginScore {
		act, _, err := h.events.RecordSuspiciousActivity(ctx, actor, events.NewActivity{
			ActivityType:    activityFor(res.Analysis),
			ConfidenceScore: float64(res.Analysis.RiskScore) / 100,
			PatternData: security.Details{
				"threats":    threatTypes(res.Analysis),
				"risk_score": res.Analysis.RiskScore,
				"risk_level": string(res.Analysis.RiskLevel),
			},
			RelatedEventIDs: nonEmpty(ev.ID),
		})
		if err != nil {
			log.Warn("suspicious login write failed", zap.Error(err))
		} else {
			res.Activity = &act
		}
	}
	return res
}

// FailureResult is what LoginFailed observed.
type FailureResult struct {
	Event    security.SecurityEvent       `json:"event"`
	Decision ratelimit.Decision           `json:"decision"`
	Pattern  risk.Pattern                 `json:"pattern"`
	Activity *security.SuspiciousActivity `json:"suspicious_activity,omitempty"`
}

// LoginFailed records a failed login and counts it against the login limit.
// Decision.Blocked tells the caller to reject further attempts.
func (h *Hooks) LoginFailed(ctx context.Context, actor security.ActorContext, usernameAttempted, reason string) FailureResult {
	var res FailureResult
	log := h.log.With(zap.String("tenant", actor.Tenant), zap.String("ip", actor.IPAddress))

	ev, err := h.events.LogSecurityEvent(ctx, actor, security.EventLoginFailed, security.SeverityMedium,
		security.Details{"reason": reason},
		events.WithUsernameAttempted(usernameAttempted),
	)
	if err != nil {
		log.Warn("login failure event write failed", zap.Error(err))
	}
	res.Event = ev

	h.auditAction(ctx, actor, security.ActionLoginFailed, usernameAttempted, security.Details{
		"username_attempted": usernameAttempted,
		"reason":             reason,
	})

	if h.limiter != nil {
		d, err := h.limiter.RecordAttempt(ctx, actor, LoginIdentifier(actor), security.LimitLogin, LoginEndpoint,
			security.Details{"username_attempted": usernameAttempted})
		if err != nil {
			log.Warn("login limiter failed", zap.Error(err))
		}
		res.Decision = d
	}

	if h.risk != nil && ev.ID != "" {
		p, err := h.risk.DetectForEvent(ctx, ev)
		if err != nil {
			log.Warn("pattern detection failed", zap.Error(err))
		}
		res.Pattern = p
		if p.Detected {
			act, _, err := h.events.RecordSuspiciousActivity(ctx, actor, events.NewActivity{
				ActivityType:    security.ActivityMultipleFailedLogins,
				ConfidenceScore: p.Confidence,
				PatternData: security.Details{
					"pattern_type":       p.Type,
					"count":              p.Count,
					"username_attempted": usernameAttempted,
				},
				RelatedEventIDs: []string{ev.ID},
			})
			if err != nil {
				log.Warn("failed login pattern write failed", zap.Error(err))
			} else {
				res.Activity = &act
			}
		}
	}
	return res
}

// LoggedOut records a logout.
func (h *Hooks) LoggedOut(ctx context.Context, actor security.ActorContext, username string) security.SecurityEvent {
	ev, err := h.events.LogSecurityEvent(ctx, actor, security.EventLogout, security.SeverityLow, security.Details{"username": username})
	if err != nil {
		h.log.Warn("logout event write failed", zap.String("tenant", actor.Tenant), zap.Error(err))
	}
	h.auditAction(ctx, actor, security.ActionLogout, username, nil)
	return ev
}

func (h *Hooks) auditAction(ctx context.Context, actor security.ActorContext, action security.AuditAction, username string, changes security.Details) {
	if h.audit == nil {
		return
	}
	objectID := actor.UserID
	if objectID == "" {
		objectID = username
	}
	if _, err := h.audit.LogAction(ctx, actor, action,
		security.Subject{ModelName: "auth.user", ObjectID: objectID},
		changes,
		audit.WithObjectRepr(username),
	); err != nil {
		h.log.Warn("audit write failed", zap.String("tenant", actor.Tenant), zap.String("action", string(action)), zap.Error(err))
	}
}

// activityFor picks the activity type of the highest-scoring threat.
func activityFor(a threat.Analysis) security.ActivityType {
	best := threat.Threat{}
	for _, t := range a.Threats {
		if t.Score > best.Score {
			best = t
		}
	}
	switch best.Type {
	case threat.TypeGeographic:
		return security.ActivityGeographicAnomaly
	case threat.TypeTime:
		return security.ActivityTimeAnomaly
	case threat.TypeVelocity:
		return security.ActivitySessionAnomaly
	default:
		return security.ActivityUnusualAccessPattern
	}
}

func threatTypes(a threat.Analysis) []string {
	out := make([]string, 0, len(a.Threats))
	for _, t := range a.Threats {
		out = append(out, t.Type)
	}
	return out
}

func nonEmpty(ids ...string) []string {
	var out []string
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
