package rules

import (
	"sort"
	"time"

	"security-core/internal/security"
)

// Rules holds every static table the scoring, limiting and categorization
// code reads. Control flow never embeds these literals directly.
type Rules struct {
	RateLimitWindow  time.Duration
	BlockDuration    time.Duration
	RateLimits       map[security.LimitType]int
	DefaultRateLimit int

	Categories        map[security.EventType]string
	BaseWeights       map[security.EventType]float64
	DefaultBaseWeight float64
	SeverityMult      map[security.Severity]float64
	MaxRiskScore      float64

	ActivityBaseRisk map[security.ActivityType]security.Severity
}

const CategoryOther = "other"

// Default returns the built-in tables.
func Default() Rules {
	return Rules{
		RateLimitWindow: time.Hour,
		BlockDuration:   time.Hour,
		RateLimits: map[security.LimitType]int{
			security.LimitLogin:            5,
			security.LimitAPICall:          1000,
			security.LimitPasswordReset:    3,
			security.Limit2FAVerify:        10,
			security.LimitDataExport:       10,
			security.LimitBulkOperation:    5,
			security.LimitSearch:           100,
			security.LimitReportGeneration: 20,
		},
		DefaultRateLimit: 100,

		Categories:        defaultCategories(),
		BaseWeights:       defaultWeights(),
		DefaultBaseWeight: 1,
		SeverityMult: map[security.Severity]float64{
			security.SeverityLow:      1.0,
			security.SeverityMedium:   2.0,
			security.SeverityHigh:     3.0,
			security.SeverityCritical: 4.0,
		},
		MaxRiskScore: 10,

		ActivityBaseRisk: map[security.ActivityType]security.Severity{
			security.ActivityMultipleFailedLogins: security.SeverityMedium,
			security.ActivityUnusualAccessPattern: security.SeverityMedium,
			security.ActivityPrivilegeEscalation:  security.SeverityCritical,
			security.ActivityDataScraping:         security.SeverityHigh,
			security.ActivitySessionAnomaly:       security.SeverityHigh,
			security.ActivityGeographicAnomaly:    security.SeverityMedium,
			security.ActivityTimeAnomaly:          security.SeverityLow,
			security.ActivityBulkDataAccess:       security.SeverityHigh,
			security.ActivityUnauthorizedAPIUsage: security.SeverityHigh,
			security.ActivitySuspiciousUserAgent:  security.SeverityLow,
		},
	}
}

func defaultCategories() map[security.EventType]string {
	m := map[security.EventType]string{}
	set := func(cat string, types ...security.EventType) {
		for _, t := range types {
			m[t] = cat
		}
	}
	set("authentication",
		security.EventLoginSuccess, security.EventLoginFailed, security.EventLoginBlocked, security.EventLogout,
		security.EventPasswordChange, security.EventPasswordResetRequest, security.EventPasswordResetComplete,
		security.Event2FAEnabled, security.Event2FADisabled, security.Event2FASuccess, security.Event2FAFailed,
	)
	set("account_security",
		security.EventAccountLocked, security.EventAccountUnlocked, security.EventSuspiciousActivity,
		security.EventBruteForceAttempt, security.EventSessionHijack,
	)
	set("access_control",
		security.EventUnauthorizedAccess, security.EventPrivilegeEscalation, security.EventAdminImpersonation,
	)
	set("data_operations", security.EventDataExport, security.EventBulkOperation)
	set("system_security", security.EventAPIRateLimit, security.EventCSRFFailure)
	return m
}

func defaultWeights() map[security.EventType]float64 {
	return map[security.EventType]float64{
		security.EventLoginFailed:         2,
		security.EventLoginBlocked:        5,
		security.EventBruteForceAttempt:   8,
		security.EventUnauthorizedAccess:  7,
		security.EventPrivilegeEscalation: 9,
		security.EventSuspiciousActivity:  6,
		security.EventSessionHijack:       8,
		security.EventAdminImpersonation:  5,
		security.EventDataExport:          4,
		security.EventBulkOperation:       3,
		security.EventAPIRateLimit:        3,
		security.EventCSRFFailure:         4,
	}
}

// LimitFor returns the per-window attempt limit for t.
func (r Rules) LimitFor(t security.LimitType) int {
	if n, ok := r.RateLimits[t]; ok && n > 0 {
		return n
	}
	return r.DefaultRateLimit
}

// Category maps an event type to its reporting category.
func (r Rules) Category(t security.EventType) string {
	if c, ok := r.Categories[t]; ok {
		return c
	}
	return CategoryOther
}

func (r Rules) BaseWeight(t security.EventType) float64 {
	if w, ok := r.BaseWeights[t]; ok {
		return w
	}
	return r.DefaultBaseWeight
}

func (r Rules) SeverityMultiplier(s security.Severity) float64 {
	if m, ok := r.SeverityMult[s]; ok {
		return m
	}
	return 1.0
}

// BaseRisk returns the starting risk level for an activity type.
// Unknown types start at medium.
func (r Rules) BaseRisk(t security.ActivityType) security.Severity {
	if s, ok := r.ActivityBaseRisk[t]; ok {
		return s
	}
	return security.SeverityMedium
}

// CategoryNames lists the distinct category names in sorted order, "other" last.
func (r Rules) CategoryNames() []string {
	seen := map[string]struct{}{CategoryOther: {}}
	out := []string{}
	for _, c := range r.Categories {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return append(out, CategoryOther)
}

// ActivityRiskLevel starts from the activity's base risk and moves it one
// level up when confidence >= 0.9 or one level down when confidence <= 0.3.
func (r Rules) ActivityRiskLevel(t security.ActivityType, confidence float64) security.Severity {
	level := r.BaseRisk(t)
	switch {
	case confidence >= 0.9:
		return level.Up()
	case confidence <= 0.3:
		return level.Down()
	default:
		return level
	}
}
