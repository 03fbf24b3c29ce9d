package reporting

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"time"

	"security-core/internal/events"
	"security-core/internal/risk"
	"security-core/internal/rules"
	"security-core/internal/security"

	"go.uber.org/zap"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

const (
	topN     = 10
	scanPage = 1000
)

// Repository is the read side of the event store.
//
// Implementations must filter on tenant in every query.
type Repository interface {
	ListEvents(ctx context.Context, tenant string, q events.Query) ([]security.SecurityEvent, int, error)
}

// Service aggregates security events for dashboards and reports. It never writes.
type Service struct {
	repo  Repository
	risk  *risk.Service
	rules rules.Rules
	log   *zap.Logger
}

func NewService(repo Repository, riskSvc *risk.Service, r rules.Rules) *Service {
	return &Service{repo: repo, risk: riskSvc, rules: r, log: zap.NewNop()}
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.log = l.Named("reporting")
	}
	return s
}

// GetFilteredEvents returns one page of matching events with paging metadata.
func (s *Service) GetFilteredEvents(ctx context.Context, tenant string, f Filters, p Page, orderBy string) (FilteredEvents, error) {
	if tenant == "" {
		return FilteredEvents{}, security.ErrTenantRequired
	}
	if !events.ValidOrder(orderBy) {
		return FilteredEvents{}, ErrInvalidRequest
	}
	if orderBy == "" {
		orderBy = events.OrderNewest
	}
	p = p.normalize()

	q := events.Query{
		EventTypes: f.EventTypes,
		Severities: f.Severities,
		Resolved:   f.Resolved,
		UserID:     f.UserID,
		IPAddress:  f.IPAddress,
		AssignedTo: f.AssignedTo,
		Search:     f.Search,
		OrderBy:    orderBy,
		Limit:      p.PerPage,
		Offset:     (p.Page - 1) * p.PerPage,
	}
	if f.DateFrom != nil {
		q.From = *f.DateFrom
	}
	if f.DateTo != nil {
		q.To = *f.DateTo
	}

	evs, total, err := s.repo.ListEvents(ctx, tenant, q)
	if err != nil {
		return FilteredEvents{}, err
	}
	pages := (total + p.PerPage - 1) / p.PerPage
	return FilteredEvents{
		Events: evs,
		Pagination: Pagination{
			TotalCount:  total,
			Page:        p.Page,
			PerPage:     p.PerPage,
			TotalPages:  pages,
			HasNext:     p.Page < pages,
			HasPrevious: p.Page > 1,
		},
		Filters: f,
		OrderBy: orderBy,
	}, nil
}

// scan reads every event in r, oldest first.
func (s *Service) scan(ctx context.Context, tenant string, r TimeRange) ([]security.SecurityEvent, error) {
	var out []security.SecurityEvent
	for offset := 0; ; offset += scanPage {
		page, _, err := s.repo.ListEvents(ctx, tenant, events.Query{
			From:    r.From,
			To:      r.To,
			OrderBy: events.OrderOldest,
			Limit:   scanPage,
			Offset:  offset,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < scanPage {
			return out, nil
		}
	}
}

// GetEventStatistics aggregates counts, rates and resolution times over r.
func (s *Service) GetEventStatistics(ctx context.Context, tenant string, r TimeRange) (Statistics, error) {
	if tenant == "" {
		return Statistics{}, security.ErrTenantRequired
	}
	if !r.valid() {
		return Statistics{}, ErrInvalidRequest
	}
	evs, err := s.scan(ctx, tenant, r)
	if err != nil {
		return Statistics{}, err
	}

	out := Statistics{Range: r, SeverityBreakdown: map[security.Severity]int{}}
	for _, sev := range security.Severities() {
		out.SeverityBreakdown[sev] = 0
	}
	byType := map[security.EventType]int{}
	byIP := map[string]int{}
	var total time.Duration

	for _, ev := range evs {
		out.TotalEvents++
		out.SeverityBreakdown[ev.Severity]++
		byType[ev.EventType]++
		if ev.IPAddress != "" && (ev.Severity == security.SeverityHigh || ev.Severity == security.SeverityCritical) {
			byIP[ev.IPAddress]++
		}
		if !ev.IsResolved {
			continue
		}
		out.ResolvedEvents++
		if ev.ResolvedAt == nil || ev.CreatedAt.IsZero() {
			continue
		}
		d := ev.ResolvedAt.Sub(ev.CreatedAt)
		secs := d.Seconds()
		rt := &out.ResolutionTime
		if rt.Count == 0 || secs < rt.MinSeconds {
			rt.MinSeconds = secs
		}
		if rt.Count == 0 || secs > rt.MaxSeconds {
			rt.MaxSeconds = secs
		}
		rt.Count++
		total += d
	}
	out.UnresolvedEvents = out.TotalEvents - out.ResolvedEvents
	if out.TotalEvents > 0 {
		out.ResolutionRate = round2(float64(out.ResolvedEvents) / float64(out.TotalEvents) * 100)
	}
	if out.ResolutionTime.Count > 0 {
		out.ResolutionTime.AverageSeconds = round2(total.Seconds() / float64(out.ResolutionTime.Count))
	}

	out.TopEventTypes = make([]TypeCount, 0, len(byType))
	for t, n := range byType {
		out.TopEventTypes = append(out.TopEventTypes, TypeCount{EventType: t, Count: n})
	}
	slices.SortFunc(out.TopEventTypes, func(a, b TypeCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.EventType, b.EventType))
	})
	out.TopEventTypes = out.TopEventTypes[:min(len(out.TopEventTypes), topN)]

	out.TopRiskIPs = make([]IPCount, 0, len(byIP))
	for ip, n := range byIP {
		out.TopRiskIPs = append(out.TopRiskIPs, IPCount{IPAddress: ip, Count: n})
	}
	slices.SortFunc(out.TopRiskIPs, func(a, b IPCount) int {
		return cmp.Or(cmp.Compare(b.Count, a.Count), cmp.Compare(a.IPAddress, b.IPAddress))
	})
	out.TopRiskIPs = out.TopRiskIPs[:min(len(out.TopRiskIPs), topN)]
	return out, nil
}

// GetCategorizedEventsSummary runs the categorizer over every event in r.
// Window counts for all events are anchored at the same instant.
func (s *Service) GetCategorizedEventsSummary(ctx context.Context, tenant string, r TimeRange) (CategorizedSummary, error) {
	if tenant == "" {
		return CategorizedSummary{}, security.ErrTenantRequired
	}
	if !r.valid() {
		return CategorizedSummary{}, ErrInvalidRequest
	}
	evs, err := s.scan(ctx, tenant, r)
	if err != nil {
		return CategorizedSummary{}, err
	}

	out := CategorizedSummary{
		Range:       r,
		TotalEvents: len(evs),
		Categories:  map[string]CategorySummary{},
		Priorities:  map[security.Severity]int{},
	}
	for _, name := range s.rules.CategoryNames() {
		out.Categories[name] = CategorySummary{}
	}
	for _, sev := range security.Severities() {
		out.Priorities[sev] = 0
	}

	scores := map[string]float64{}
	batch := s.risk.NewBatch(tenant)
	for _, ev := range evs {
		a, err := batch.Categorize(ctx, ev)
		if err != nil {
			return CategorizedSummary{}, err
		}
		c := out.Categories[a.Category]
		c.Count++
		if ev.IsResolved {
			c.ResolvedCount++
		}
		out.Categories[a.Category] = c
		scores[a.Category] += a.RiskScore
		out.Priorities[a.Priority]++
	}
	for name, c := range out.Categories {
		if c.Count > 0 {
			c.AverageRiskScore = round2(scores[name] / float64(c.Count))
			out.Categories[name] = c
		}
	}
	return out, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
