package investigation

import (
	"context"
	"time"

	"security-core/internal/security"

	"go.uber.org/zap"
)

const OpBulkResolve = "bulk_resolve"

// Resolve marks the event resolved. Resolving again keeps the first
// resolution's time and actor and only appends another resolution entry.
func (s *Service) Resolve(ctx context.Context, actor security.ActorContext, eventID, notes string, followUp bool) (Result[security.SecurityEvent], error) {
	if actor.Tenant == "" {
		return Result[security.SecurityEvent]{}, security.ErrTenantRequired
	}
	ev, err := s.resolve(ctx, actor, eventID, notes, followUp)
	return finish(s, OpResolve, ev, err)
}

func (s *Service) resolve(ctx context.Context, actor security.ActorContext, eventID, notes string, followUp bool) (security.SecurityEvent, error) {
	return s.run(ctx, actor, eventID, mutation{
		op:      OpResolve,
		action:  security.ActionEventResolved,
		changes: security.Details{"resolution_notes": notes, "follow_up_required": followUp},
		apply: func(ev *security.SecurityEvent, now time.Time) (*security.TimelineEntry, error) {
			if !ev.IsResolved {
				ev.IsResolved = true
				ev.ResolvedAt = &now
				ev.ResolvedBy = actor.UserID
			}
			if !ev.InvestigationStatus.Terminal() {
				ev.InvestigationStatus = security.StatusResolved
			}
			if notes != "" {
				ev.ResolutionNotes = notes
			}
			text := notes
			if text == "" {
				text = "Resolved"
			}
			return &security.TimelineEntry{
				Kind:             security.TimelineResolution,
				Status:           ev.InvestigationStatus,
				Text:             text,
				FollowUpRequired: followUp,
			}, nil
		},
	})
}

// BulkFailure is one id BulkResolve could not resolve.
type BulkFailure struct {
	EventID   string `json:"event_id"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

type BulkResult struct {
	ResolvedCount  int           `json:"resolved_count"`
	FailedCount    int           `json:"failed_count"`
	ResolvedEvents []string      `json:"resolved_events"`
	FailedEvents   []BulkFailure `json:"failed_events"`
}

// BulkResolve resolves each id on its own. A failing id is reported in
// FailedEvents and never undoes the ids already resolved.
func (s *Service) BulkResolve(ctx context.Context, actor security.ActorContext, eventIDs []string, notes string) (Result[BulkResult], error) {
	if actor.Tenant == "" {
		return Result[BulkResult]{}, security.ErrTenantRequired
	}
	if len(eventIDs) == 0 {
		return finish(s, OpBulkResolve, BulkResult{}, &Failure{Code: CodeInvalidRequest, Message: "No event ids given"})
	}

	out := BulkResult{ResolvedEvents: []string{}, FailedEvents: []BulkFailure{}}
	for _, id := range eventIDs {
		_, err := s.resolve(ctx, actor, id, notes, false)
		if err == nil {
			s.metrics.Transition(OpResolve, true)
			out.ResolvedEvents = append(out.ResolvedEvents, id)
			continue
		}
		s.metrics.Transition(OpResolve, false)
		f, isFailure := asFailure(err)
		if !isFailure {
			s.log.Error("bulk resolve item failed", zap.String("event_id", id), zap.Error(err))
			f = &Failure{Code: "storage_error", Message: "Failed to resolve event"}
		}
		out.FailedEvents = append(out.FailedEvents, BulkFailure{EventID: id, Error: f.Message, ErrorCode: f.Code})
	}
	out.ResolvedCount = len(out.ResolvedEvents)
	out.FailedCount = len(out.FailedEvents)
	return finish(s, OpBulkResolve, out, nil)
}

// Reopen returns a resolved event to in_progress. resolved_by is kept as
// history; resolved_at is cleared.
func (s *Service) Reopen(ctx context.Context, actor security.ActorContext, eventID, reason string) (Result[security.SecurityEvent], error) {
	if actor.Tenant == "" {
		return Result[security.SecurityEvent]{}, security.ErrTenantRequired
	}
	ev, err := s.run(ctx, actor, eventID, mutation{
		op:      OpReopen,
		action:  security.ActionEventReopened,
		changes: security.Details{"reason": reason},
		apply: func(ev *security.SecurityEvent, now time.Time) (*security.TimelineEntry, error) {
			if !ev.IsResolved {
				return nil, errNotResolved
			}
			ev.IsResolved = false
			ev.ResolvedAt = nil
			ev.InvestigationStatus = security.StatusInProgress
			return &security.TimelineEntry{
				Kind:   security.TimelineReopened,
				Status: security.StatusInProgress,
				Text:   withNotes("Reopened", reason),
			}, nil
		},
	})
	return finish(s, OpReopen, ev, err)
}
