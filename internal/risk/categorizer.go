package risk

import (
	"math"

	"security-core/internal/rules"
	"security-core/internal/security"
)

// Input is everything Categorize looks at. Counts are computed by the
// caller over trailing windows anchored at the same instant.
type Input struct {
	EventType security.EventType
	Severity  security.Severity

	// SameIPTypeCount is the trailing-24h count of events with this IP and type.
	SameIPTypeCount int
	// SameIPCount is the trailing-24h count of events from this IP.
	SameIPCount int
	// UserFailureCount is the trailing-6h count of login_failed and
	// unauthorized_access events for this user.
	UserFailureCount int
}

const (
	PatternIPFrequency    = "ip_frequency"
	PatternUserCompromise = "user_compromise"
)

const (
	ActionPatternInvestigation   = "pattern_investigation"
	ActionImmediateInvestigation = "immediate_investigation"
	ActionPriorityReview         = "priority_review"
	ActionStandardReview         = "standard_review"
	ActionMonitor                = "monitor"
)

// Pattern is a short-window frequency finding.
type Pattern struct {
	Detected   bool    `json:"pattern_detected"`
	Type       string  `json:"pattern_type,omitempty"`
	Confidence float64 `json:"confidence"`
	Count      int     `json:"count,omitempty"`
}

// Assessment is the derived classification of one event. It is never stored.
type Assessment struct {
	Category           string            `json:"category"`
	RiskScore          float64           `json:"risk_score"`
	Priority           security.Severity `json:"priority"`
	RecommendedAction  string            `json:"recommended_action"`
	EscalationRequired bool              `json:"escalation_required"`
	Pattern            Pattern           `json:"pattern"`
}

// Categorizer applies the rule tables. It holds no mutable state.
type Categorizer struct {
	rules rules.Rules
}

func NewCategorizer(r rules.Rules) Categorizer { return Categorizer{rules: r} }

// Categorize is a pure function of in.
func (c Categorizer) Categorize(in Input) Assessment {
	score := c.Score(in.EventType, in.Severity, in.SameIPTypeCount)
	pattern := DetectPattern(in.SameIPCount, in.UserFailureCount)
	return Assessment{
		Category:           c.rules.Category(in.EventType),
		RiskScore:          score,
		Priority:           Priority(in.Severity, score),
		RecommendedAction:  RecommendedAction(in.Severity, score, pattern),
		EscalationRequired: score >= 7.0 || in.Severity == security.SeverityCritical,
		Pattern:            pattern,
	}
}

// Score = base_weight * severity_multiplier * frequency_multiplier, capped.
func (c Categorizer) Score(t security.EventType, sev security.Severity, sameIPTypeCount int) float64 {
	s := c.rules.BaseWeight(t) * c.rules.SeverityMultiplier(sev) * FrequencyMultiplier(sameIPTypeCount)
	s = math.Min(s, c.rules.MaxRiskScore)
	return math.Round(s*100) / 100
}

func FrequencyMultiplier(count int) float64 {
	switch {
	case count > 10:
		return 2.0
	case count > 5:
		return 1.5
	default:
		return 1.0
	}
}

func Priority(sev security.Severity, score float64) security.Severity {
	switch {
	case sev == security.SeverityCritical || score >= 8.0:
		return security.SeverityCritical
	case sev == security.SeverityHigh || score >= 6.0:
		return security.SeverityHigh
	case sev == security.SeverityMedium || score >= 4.0:
		return security.SeverityMedium
	default:
		return security.SeverityLow
	}
}

// DetectPattern flags an IP with more than 10 events in 24h, or a user with
// more than 5 failures in 6h. When both hold, the user finding wins.
func DetectPattern(sameIPCount, userFailureCount int) Pattern {
	p := Pattern{}
	if sameIPCount > 10 {
		p = Pattern{Detected: true, Type: PatternIPFrequency, Confidence: math.Min(float64(sameIPCount)/20, 1.0), Count: sameIPCount}
	}
	if userFailureCount > 5 {
		p = Pattern{Detected: true, Type: PatternUserCompromise, Confidence: math.Min(float64(userFailureCount)/10, 1.0), Count: userFailureCount}
	}
	return p
}

func RecommendedAction(sev security.Severity, score float64, p Pattern) string {
	switch {
	case p.Detected && p.Confidence > 0.7:
		return ActionPatternInvestigation
	case score >= 8.0 || sev == security.SeverityCritical:
		return ActionImmediateInvestigation
	case score >= 6.0:
		return ActionPriorityReview
	case score >= 4.0:
		return ActionStandardReview
	default:
		return ActionMonitor
	}
}
