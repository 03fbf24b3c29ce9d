package reporting

import (
	"time"

	"security-core/internal/security"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// LastDays is the range ending at now and starting days earlier.
func LastDays(now time.Time, days int) TimeRange {
	return TimeRange{From: now.AddDate(0, 0, -days), To: now}
}

// Filters narrows GetFilteredEvents. It is echoed back in the response.
type Filters struct {
	EventTypes []security.EventType `json:"event_types,omitempty"`
	Severities []security.Severity  `json:"severities,omitempty"`
	Resolved   *bool                `json:"is_resolved,omitempty"`
	DateFrom   *time.Time           `json:"date_from,omitempty"`
	DateTo     *time.Time           `json:"date_to,omitempty"`
	UserID     string               `json:"user_id,omitempty"`
	IPAddress  string               `json:"ip_address,omitempty"`
	AssignedTo string               `json:"assigned_to,omitempty"`
	Search     string               `json:"search,omitempty"`
}

// Page selects one page; Page is 1-based.
type Page struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}

const (
	DefaultPerPage = 25
	MaxPerPage     = 100
)

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = DefaultPerPage
	}
	p.PerPage = min(p.PerPage, MaxPerPage)
	return p
}

type Pagination struct {
	TotalCount  int  `json:"total_count"`
	Page        int  `json:"page"`
	PerPage     int  `json:"per_page"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

type FilteredEvents struct {
	Events     []security.SecurityEvent `json:"events"`
	Pagination Pagination               `json:"pagination"`
	Filters    Filters                  `json:"filters"`
	OrderBy    string                   `json:"order_by"`
}

type TypeCount struct {
	EventType security.EventType `json:"event_type"`
	Count     int                `json:"count"`
}

type IPCount struct {
	IPAddress string `json:"ip_address"`
	Count     int    `json:"count"`
}

// ResolutionTime covers resolved events that carry both timestamps.
type ResolutionTime struct {
	Count          int     `json:"count"`
	AverageSeconds float64 `json:"average_seconds"`
	MinSeconds     float64 `json:"min_seconds"`
	MaxSeconds     float64 `json:"max_seconds"`
}

type Statistics struct {
	Range TimeRange `json:"range"`

	TotalEvents      int `json:"total_events"`
	ResolvedEvents   int `json:"resolved_events"`
	UnresolvedEvents int `json:"unresolved_events"`
	// ResolutionRate is a percentage, zero when there are no events.
	ResolutionRate float64 `json:"resolution_rate"`

	SeverityBreakdown map[security.Severity]int `json:"severity_breakdown"`
	TopEventTypes     []TypeCount               `json:"top_event_types"`
	// TopRiskIPs counts only high and critical events.
	TopRiskIPs     []IPCount      `json:"top_risk_ips"`
	ResolutionTime ResolutionTime `json:"resolution_time"`
}

type CategorySummary struct {
	Count            int     `json:"count"`
	ResolvedCount    int     `json:"resolved_count"`
	AverageRiskScore float64 `json:"average_risk_score"`
}

type CategorizedSummary struct {
	Range       TimeRange                  `json:"range"`
	TotalEvents int                        `json:"total_events"`
	Categories  map[string]CategorySummary `json:"categories"`
	Priorities  map[security.Severity]int  `json:"priorities"`
}
