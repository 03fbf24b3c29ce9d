package investigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"security-core/internal/audit"
	"security-core/internal/directory"
	"security-core/internal/events"
	"security-core/internal/metrics"
	"security-core/internal/security"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	OpAssign       = "assign"
	OpUpdateStatus = "update_status"
	OpAddNote      = "add_note"
	OpResolve      = "resolve"
	OpReopen       = "reopen"

	// DefaultNoteType is used when AddNote gets no note type.
	DefaultNoteType = "investigation"

	systemUsername = "system"
	eventModel     = "security.security_event"
)

// Service runs the assign / status / note / resolve / reopen workflow on
// security events. Each transition locks the event, appends one timeline
// entry and writes one audit entry.
type Service struct {
	repo    events.Repository
	audit   *audit.Service
	dir     directory.Directory
	clock   func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewService(repo events.Repository, auditSvc *audit.Service, dir directory.Directory) *Service {
	return &Service{repo: repo, audit: auditSvc, dir: dir, clock: time.Now, log: zap.NewNop()}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.log = l.Named("investigation")
	}
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC().Truncate(time.Microsecond) }

// lookup resolves a user id, mapping a missing user to notFound.
func (s *Service) lookup(ctx context.Context, tenant, id string, notFound *Failure) (directory.User, error) {
	u, err := s.dir.Lookup(ctx, tenant, id)
	if errors.Is(err, directory.ErrNotFound) {
		return directory.User{}, notFound
	}
	return u, err
}

// actorName returns the username recorded for the acting user.
func (s *Service) actorName(ctx context.Context, actor security.ActorContext) (string, error) {
	if actor.IsSystem() {
		return systemUsername, nil
	}
	u, err := s.lookup(ctx, actor.Tenant, actor.UserID, errUserNotFound)
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

type mutation struct {
	op      string
	action  security.AuditAction
	changes security.Details
	apply   func(ev *security.SecurityEvent, now time.Time) (*security.TimelineEntry, error)
}

// run resolves the actor, applies m under the event lock and audits the
// result. Business failures come back as *Failure.
func (s *Service) run(ctx context.Context, actor security.ActorContext, eventID string, m mutation) (security.SecurityEvent, error) {
	username, err := s.actorName(ctx, actor)
	if err != nil {
		return security.SecurityEvent{}, err
	}

	var before security.SecurityEvent
	now := s.now()
	after, err := s.repo.MutateEvent(ctx, actor.Tenant, eventID, func(ev *security.SecurityEvent) (*security.TimelineEntry, error) {
		before = *ev
		entry, err := m.apply(ev, now)
		if err != nil {
			return nil, err
		}
		ev.UpdatedAt = now
		ev.UpdatedBy = actor.UserID
		if entry != nil {
			entry.ID = uuid.NewString()
			entry.ActorID = actor.UserID
			entry.ActorUsername = username
			entry.CreatedAt = now
		}
		return entry, nil
	})
	if errors.Is(err, events.ErrNotFound) {
		err = errEventNotFound
	}
	if err != nil {
		return security.SecurityEvent{}, err
	}

	s.record(ctx, actor, after.ID, m, state(before), state(after))
	return after, nil
}

// record writes the audit entry for a transition. It is best-effort: the
// transition has already committed.
func (s *Service) record(ctx context.Context, actor security.ActorContext, eventID string, m mutation, oldValues, newValues security.Details) {
	if s.audit == nil {
		return
	}
	changes := security.Details{}
	for k, v := range newValues {
		if oldValues[k] != v {
			changes[k] = v
		}
	}
	for k, v := range m.changes {
		changes[k] = v
	}
	if _, err := s.audit.LogAction(ctx, actor, m.action,
		security.Subject{ModelName: eventModel, ObjectID: eventID},
		changes,
		audit.WithOldValues(oldValues),
		audit.WithNewValues(newValues),
		audit.WithObjectRepr("security event "+eventID),
	); err != nil {
		s.log.Warn("audit write failed", zap.String("op", m.op), zap.String("event_id", eventID), zap.Error(err))
	}
}

// state is the audited slice of an event.
func state(ev security.SecurityEvent) security.Details {
	d := security.Details{
		"investigation_status": string(ev.InvestigationStatus),
		"assigned_to":          ev.AssignedTo,
		"is_resolved":          ev.IsResolved,
		"resolved_by":          ev.ResolvedBy,
		"resolved_at":          "",
	}
	if ev.ResolvedAt != nil {
		d["resolved_at"] = ev.ResolvedAt.UTC().Format(audit.TimestampLayout)
	}
	return d
}

// finish counts the transition and converts its outcome into a Result.
func finish[T any](s *Service, op string, data T, err error) (Result[T], error) {
	s.metrics.Transition(op, err == nil)
	return respond(op, data, err)
}

// respond keeps storage errors apart from business failures.
func respond[T any](op string, data T, err error) (Result[T], error) {
	if err == nil {
		return ok(data), nil
	}
	if f, isFailure := asFailure(err); isFailure {
		return fail[T](f), nil
	}
	return Result[T]{}, fmt.Errorf("investigation: %s: %w", op, err)
}

func withNotes(text, notes string) string {
	if notes == "" {
		return text
	}
	return text + ": " + notes
}

// Assign makes investigatorID the event's assignee. Re-assigning replaces
// the current assignee.
func (s *Service) Assign(ctx context.Context, actor security.ActorContext, eventID, investigatorID, notes string) (Result[security.SecurityEvent], error) {
	if actor.Tenant == "" {
		return Result[security.SecurityEvent]{}, security.ErrTenantRequired
	}
	inv, err := s.lookup(ctx, actor.Tenant, investigatorID, errInvestigatorNotFound)
	if err != nil {
		return finish(s, OpAssign, security.SecurityEvent{}, err)
	}
	ev, err := s.run(ctx, actor, eventID, mutation{
		op:      OpAssign,
		action:  security.ActionEventAssigned,
		changes: security.Details{"investigator_username": inv.Username, "notes": notes},
		apply: func(ev *security.SecurityEvent, now time.Time) (*security.TimelineEntry, error) {
			ev.AssignedTo = inv.ID
			if ev.InvestigationStatus == "" || ev.InvestigationStatus == security.StatusNotStarted {
				ev.InvestigationStatus = security.StatusAssigned
			}
			return &security.TimelineEntry{
				Kind:   security.TimelineAssignment,
				Status: ev.InvestigationStatus,
				Text:   withNotes("Assigned to "+inv.Username, notes),
			}, nil
		},
	})
	return finish(s, OpAssign, ev, err)
}

// UpdateStatus moves the event to status. Moving to resolved or closed also
// marks the event resolved; an earlier resolution keeps its time and actor.
func (s *Service) UpdateStatus(ctx context.Context, actor security.ActorContext, eventID string, status security.InvestigationStatus, notes string) (Result[security.SecurityEvent], error) {
	if actor.Tenant == "" {
		return Result[security.SecurityEvent]{}, security.ErrTenantRequired
	}
	if !status.Valid() {
		return finish(s, OpUpdateStatus, security.SecurityEvent{}, errInvalidStatus)
	}
	ev, err := s.run(ctx, actor, eventID, mutation{
		op:      OpUpdateStatus,
		action:  security.ActionEventStatusUpdated,
		changes: security.Details{"notes": notes},
		apply: func(ev *security.SecurityEvent, now time.Time) (*security.TimelineEntry, error) {
			from := ev.InvestigationStatus
			if from == "" {
				from = security.StatusNotStarted
			}
			if !CanTransition(from, status) {
				return nil, invalidTransition(string(from), string(status))
			}
			ev.InvestigationStatus = status
			if status.Terminal() {
				if !ev.IsResolved {
					ev.IsResolved = true
					ev.ResolvedAt = &now
				}
				if ev.ResolvedBy == "" {
					ev.ResolvedBy = actor.UserID
				}
			}
			return &security.TimelineEntry{
				Kind:   security.TimelineStatusUpdate,
				Status: status,
				Text:   withNotes(fmt.Sprintf("Status changed from %s to %s", from, status), notes),
			}, nil
		},
	})
	return finish(s, OpUpdateStatus, ev, err)
}

// AddNote appends a note without changing the event's state.
func (s *Service) AddNote(ctx context.Context, actor security.ActorContext, eventID, note, noteType string) (Result[security.TimelineEntry], error) {
	if actor.Tenant == "" {
		return Result[security.TimelineEntry]{}, security.ErrTenantRequired
	}
	if note == "" {
		return finish(s, OpAddNote, security.TimelineEntry{}, &Failure{Code: CodeInvalidRequest, Message: "Note is required"})
	}
	if noteType == "" {
		noteType = DefaultNoteType
	}
	var added *security.TimelineEntry
	_, err := s.run(ctx, actor, eventID, mutation{
		op:      OpAddNote,
		action:  security.ActionEventNoteAdded,
		changes: security.Details{"note_type": noteType, "note": note},
		apply: func(ev *security.SecurityEvent, now time.Time) (*security.TimelineEntry, error) {
			added = &security.TimelineEntry{
				Kind:     security.TimelineInvestigation,
				NoteType: noteType,
				Status:   ev.InvestigationStatus,
				Text:     note,
			}
			return added, nil
		},
	})
	var out security.TimelineEntry
	if err == nil && added != nil {
		out = *added
	}
	return finish(s, OpAddNote, out, err)
}
