package investigation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"security-core/internal/events"
	"security-core/internal/security"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	relatedByIP       = 10
	relatedByUser     = 10
	relatedByType     = 5
	relatedActivities = 5
)

func (s *Service) event(ctx context.Context, tenant, id string) (security.SecurityEvent, error) {
	ev, err := s.repo.GetEvent(ctx, tenant, id)
	if errors.Is(err, events.ErrNotFound) {
		return security.SecurityEvent{}, errEventNotFound
	}
	return ev, err
}

// GetTimeline lists the event's history oldest first: its creation, every
// stored workflow entry, and its resolution when no entry records it.
func (s *Service) GetTimeline(ctx context.Context, tenant, eventID string) (Result[[]security.TimelineEntry], error) {
	if tenant == "" {
		return Result[[]security.TimelineEntry]{}, security.ErrTenantRequired
	}
	ev, err := s.event(ctx, tenant, eventID)
	if err != nil {
		return respond[[]security.TimelineEntry]("get_timeline", nil, err)
	}
	stored, err := s.repo.ListTimeline(ctx, tenant, eventID)
	if err != nil {
		return respond[[]security.TimelineEntry]("get_timeline", nil, err)
	}

	out := make([]security.TimelineEntry, 0, len(stored)+2)
	out = append(out, security.TimelineEntry{
		TenantSchema: tenant,
		EventID:      ev.ID,
		Kind:         security.TimelineEventCreated,
		ActorID:      ev.CreatedBy,
		Status:       security.StatusNotStarted,
		Text:         "Security event created: " + string(ev.EventType),
		CreatedAt:    ev.CreatedAt,
	})
	out = append(out, stored...)

	hasResolution := slices.ContainsFunc(stored, func(e security.TimelineEntry) bool {
		return e.Kind == security.TimelineResolution
	})
	if ev.IsResolved && ev.ResolvedAt != nil && !hasResolution {
		out = append(out, security.TimelineEntry{
			TenantSchema: tenant,
			EventID:      ev.ID,
			Kind:         security.TimelineResolution,
			ActorID:      ev.ResolvedBy,
			Status:       ev.InvestigationStatus,
			Text:         ev.ResolutionNotes,
			CreatedAt:    *ev.ResolvedAt,
		})
	}
	slices.SortStableFunc(out, func(a, b security.TimelineEntry) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return ok(out), nil
}

// Related groups events and activities connected to one event.
type Related struct {
	SameIP     []security.SecurityEvent     `json:"same_ip"`
	SameUser   []security.SecurityEvent     `json:"same_user"`
	SameType   []security.SecurityEvent     `json:"same_type"`
	Activities []security.SuspiciousActivity `json:"suspicious_activities"`
}

// GetRelatedEvents runs its lookups concurrently. A failing lookup is
// logged and leaves its group empty instead of failing the call.
func (s *Service) GetRelatedEvents(ctx context.Context, tenant, eventID string) (Result[Related], error) {
	if tenant == "" {
		return Result[Related]{}, security.ErrTenantRequired
	}
	ev, err := s.event(ctx, tenant, eventID)
	if err != nil {
		return respond("get_related_events", Related{}, err)
	}

	out := Related{
		SameIP:     []security.SecurityEvent{},
		SameUser:   []security.SecurityEvent{},
		SameType:   []security.SecurityEvent{},
		Activities: []security.SuspiciousActivity{},
	}
	// A failed lookup leaves its group empty; the rest still return.
	list := func(dst *[]security.SecurityEvent, q events.Query, group string) func() error {
		return func() error {
			q.ExcludeID = ev.ID
			q.OrderBy = events.OrderNewest
			evs, _, err := s.repo.ListEvents(ctx, tenant, q)
			if err != nil {
				return fmt.Errorf("%s: %w", group, err)
			}
			*dst = evs
			return nil
		}
	}

	var g errgroup.Group
	if ev.IPAddress != "" {
		g.Go(list(&out.SameIP, events.Query{IPAddress: ev.IPAddress, Limit: relatedByIP}, "same_ip"))
	}
	if ev.UserID != "" {
		g.Go(list(&out.SameUser, events.Query{UserID: ev.UserID, Limit: relatedByUser}, "same_user"))
	}
	g.Go(list(&out.SameType, events.Query{EventTypes: []security.EventType{ev.EventType}, Limit: relatedByType}, "same_type"))
	g.Go(func() error {
		acts, err := s.relatedActivities(ctx, tenant, ev)
		if err != nil {
			return fmt.Errorf("suspicious_activities: %w", err)
		}
		out.Activities = acts
		return nil
	})
	if err := g.Wait(); err != nil {
		s.log.Warn("related lookup failed", zap.String("event_id", ev.ID), zap.Error(err))
	}
	return ok(out), nil
}

// relatedActivities returns activities linked to ev, then the same user's
// activities, newest first and without duplicates.
func (s *Service) relatedActivities(ctx context.Context, tenant string, ev security.SecurityEvent) ([]security.SuspiciousActivity, error) {
	acts, err := s.repo.ListActivities(ctx, tenant, events.ActivityQuery{RelatedEventID: ev.ID, Limit: relatedActivities})
	if err != nil {
		return nil, err
	}
	if ev.UserID != "" && len(acts) < relatedActivities {
		byUser, err := s.repo.ListActivities(ctx, tenant, events.ActivityQuery{UserID: ev.UserID, Limit: relatedActivities})
		if err != nil {
			return nil, err
		}
		for _, a := range byUser {
			if len(acts) == relatedActivities {
				break
			}
			if !slices.ContainsFunc(acts, func(x security.SuspiciousActivity) bool { return x.ID == a.ID }) {
				acts = append(acts, a)
			}
		}
	}
	return acts, nil
}
