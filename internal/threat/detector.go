package threat

import (
	"context"
	"fmt"
	"slices"
	"time"

	"security-core/internal/metrics"
	"security-core/internal/security"

	"go.uber.org/zap"
)

const (
	TypeGeographic = "geographic_anomaly"
	TypeTime       = "time_anomaly"
	TypeDevice     = "device_anomaly"
	TypeVelocity   = "velocity_anomaly"
)

const (
	scoreGeographic = 30
	scoreTime       = 15
	scoreDevice     = 20
	scoreVelocity   = 40
	maxScore        = 100

	historyWindow  = 30 * 24 * time.Hour
	velocityWindow = time.Hour

	// Logins inside [dayStart, dayEnd) are never a time anomaly.
	dayStart = 6
	dayEnd   = 22

	verificationThreshold = 50
)

// Login is one successful authentication.
type Login struct {
	UserID    string    `json:"user_id"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	At        time.Time `json:"at"`
}

// LoginHistory returns a user's successful logins at or after since.
type LoginHistory interface {
	SuccessfulLogins(ctx context.Context, tenant, userID string, since time.Time) ([]Login, error)
}

type Threat struct {
	Type        string `json:"type"`
	Score       int    `json:"score"`
	Description string `json:"description"`
}

type Analysis struct {
	Threats   []Threat          `json:"threats"`
	RiskScore int               `json:"risk_score"`
	RiskLevel security.Severity `json:"risk_level"`

	RequiresAdditionalVerification bool `json:"requires_additional_verification"`
}

// Anomalous reports whether any check fired.
func (a Analysis) Anomalous() bool { return len(a.Threats) > 0 }

// Detector compares a login against the same user's recent history.
type Detector struct {
	history LoginHistory
	loc     *time.Location
	clock   func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewDetector(history LoginHistory) *Detector {
	return &Detector{history: history, loc: time.UTC, clock: time.Now, log: zap.NewNop()}
}

func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// WithLocation sets the zone login hours are read in.
func (d *Detector) WithLocation(loc *time.Location) *Detector {
	if loc != nil {
		d.loc = loc
	}
	return d
}

func (d *Detector) WithLogger(l *zap.Logger) *Detector {
	if l != nil {
		d.log = l.Named("threat")
	}
	return d
}

func (d *Detector) WithMetrics(m *metrics.Metrics) *Detector {
	d.metrics = m
	return d
}

// AnalyzeLoginPattern scores login against the user's successful logins of
// the last 30 days. Only logins strictly before login.At count as history.
func (d *Detector) AnalyzeLoginPattern(ctx context.Context, tenant string, login Login) (Analysis, error) {
	if tenant == "" {
		return Analysis{}, security.ErrTenantRequired
	}
	if login.UserID == "" {
		return Analysis{}, security.Invalid("user_id", "required")
	}
	if login.At.IsZero() {
		login.At = d.clock()
	}
	login.At = login.At.UTC()

	all, err := d.history.SuccessfulLogins(ctx, tenant, login.UserID, login.At.Add(-historyWindow))
	if err != nil {
		return Analysis{}, fmt.Errorf("threat: load history: %w", err)
	}
	past := make([]Login, 0, len(all))
	for _, l := range all {
		if l.At.Before(login.At) {
			past = append(past, l)
		}
	}

	var threats []Threat
	if len(past) > 0 {
		ips := map[string]bool{}
		agents := map[string]bool{}
		hours := map[int]bool{}
		for _, l := range past {
			ips[l.IPAddress] = true
			agents[l.UserAgent] = true
			hours[l.At.In(d.loc).Hour()] = true
		}

		if !ips[login.IPAddress] {
			threats = append(threats, Threat{
				Type:        TypeGeographic,
				Score:       scoreGeographic,
				Description: fmt.Sprintf("login from new IP address %s", login.IPAddress),
			})
		}
		hour := login.At.In(d.loc).Hour()
		if !hours[hour] && (hour < dayStart || hour >= dayEnd) {
			threats = append(threats, Threat{
				Type:        TypeTime,
				Score:       scoreTime,
				Description: fmt.Sprintf("login at unusual hour %02d:00", hour),
			})
		}
		if !agents[login.UserAgent] {
			threats = append(threats, Threat{
				Type:        TypeDevice,
				Score:       scoreDevice,
				Description: "login from unrecognized device",
			})
		}
		recent := login.At.Add(-velocityWindow)
		if i := slices.IndexFunc(past, func(l Login) bool {
			return !l.At.Before(recent) && l.IPAddress != login.IPAddress
		}); i >= 0 {
			threats = append(threats, Threat{
				Type:        TypeVelocity,
				Score:       scoreVelocity,
				Description: fmt.Sprintf("login from %s within the last hour of a login from %s", login.IPAddress, past[i].IPAddress),
			})
		}
	}

	a := Analysis{Threats: threats}
	for _, t := range threats {
		a.RiskScore += t.Score
	}
	a.RiskScore = min(a.RiskScore, maxScore)
	a.RiskLevel = Level(a.RiskScore)
	a.RequiresAdditionalVerification = a.RiskScore >= verificationThreshold

	d.metrics.ThreatScore(a.RiskScore)
	if a.Anomalous() {
		d.log.Info("login anomaly",
			zap.String("tenant", tenant),
			zap.String("user_id", login.UserID),
			zap.Int("risk_score", a.RiskScore),
			zap.Int("threats", len(threats)),
		)
	}
	return a, nil
}

// Level maps a 0-100 score onto a severity.
func Level(score int) security.Severity {
	switch {
	case score >= 70:
		return security.SeverityCritical
	case score >= 50:
		return security.SeverityHigh
	case score >= 30:
		return security.SeverityMedium
	default:
		return security.SeverityLow
	}
}
