package investigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"security-core/internal/audit"
	"security-core/internal/directory"
	"security-core/internal/events"
	"security-core/internal/rules"
	"security-core/internal/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var t0 = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	events    *events.Service
	repo      *events.MemoryRepo
	auditRepo *audit.MemoryRepo
	now       time.Time
}

func (f *fixture) clock() time.Time { return f.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: t0}
	f.auditRepo = audit.NewMemoryRepo()
	f.repo = events.NewMemoryRepo(f.auditRepo)
	auditSvc := audit.NewService(f.auditRepo).WithClock(f.clock)

	dir := directory.NewMemoryDirectory()
	dir.Put("t1", directory.User{ID: "lead", Username: "lead"})
	dir.Put("t1", directory.User{ID: "inv", Username: "investigator"})

	f.events = events.NewService(f.repo, auditSvc, rules.Default()).WithClock(f.clock)
	f.svc = NewService(f.repo, auditSvc, dir).WithClock(f.clock)
	return f
}

func (f *fixture) event(t *testing.T, typ security.EventType, ip, user string) security.SecurityEvent {
	t.Helper()
	actor := security.ActorContext{Tenant: "t1", IPAddress: ip}
	ev, err := f.events.LogSecurityEvent(context.Background(), actor, typ, security.SeverityMedium, nil, events.WithUser(user))
	require.NoError(t, err)
	return ev
}

var lead = security.ActorContext{Tenant: "t1", UserID: "lead", IPAddress: "10.9.9.9"}

func auditActions(t *testing.T, r *audit.MemoryRepo, eventID string) []security.AuditAction {
	t.Helper()
	var out []security.AuditAction
	for _, e := range r.Entries() {
		if e.ObjectID == eventID {
			out = append(out, e.Action)
		}
	}
	return out
}

func TestAssign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, security.EventLoginFailed, "10.0.0.1", "")

	res, err := f.svc.Assign(ctx, lead, ev.ID, "inv", "please check")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "inv", res.Data.AssignedTo)
	assert.Equal(t, security.StatusAssigned, res.Data.InvestigationStatus)

	res, err = f.svc.Assign(ctx, lead, ev.ID, "lead", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "lead", res.Data.AssignedTo)

	res, err = f.svc.Assign(ctx, lead, ev.ID, "nobody", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeInvestigatorNotFound, res.ErrorCode)
	assert.Equal(t, "Investigator not found", res.Error)

	res, err = f.svc.Assign(ctx, lead, "missing", "inv", "")
	require.NoError(t, err)
	assert.Equal(t, CodeEventNotFound, res.ErrorCode)

	res, err = f.svc.Assign(ctx, security.ActorContext{Tenant: "t1", UserID: "ghost"}, ev.ID, "inv", "")
	require.NoError(t, err)
	assert.Equal(t, CodeUserNotFound, res.ErrorCode)

	assert.Equal(t, []security.AuditAction{security.ActionEventAssigned, security.ActionEventAssigned}, auditActions(t, f.auditRepo, ev.ID))
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, security.EventUnauthorizedAccess, "10.0.0.1", "")

	res, err := f.svc.UpdateStatus(ctx, lead, ev.ID, "paused", "")
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidStatus, res.ErrorCode)

	res, err = f.svc.UpdateStatus(ctx, lead, ev.ID, security.StatusInProgress, "looking")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.False(t, res.Data.IsResolved)

	f.now = t0.Add(time.Hour)
	res, err = f.svc.UpdateStatus(ctx, lead, ev.ID, security.StatusResolved, "done")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, res.Data.IsResolved)
	assert.Equal(t, "lead", res.Data.ResolvedBy)
	require.NotNil(t, res.Data.ResolvedAt)
	assert.Equal(t, t0.Add(time.Hour), *res.Data.ResolvedAt)

	res, err = f.svc.UpdateStatus(ctx, lead, ev.ID, security.StatusInProgress, "")
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidTransition, res.ErrorCode)

	f.now = t0.Add(2 * time.Hour)
	res, err = f.svc.UpdateStatus(ctx, security.ActorContext{Tenant: "t1", UserID: "inv"}, ev.ID, security.StatusClosed, "")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "lead", res.Data.ResolvedBy, "first resolver is kept")
	assert.Equal(t, t0.Add(time.Hour), *res.Data.ResolvedAt)
}

func TestAddNote_DoesNotResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, security.EventLoginFailed, "10.0.0.1", "")

	res, err := f.svc.AddNote(ctx, lead, ev.ID, "called the user", "")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, DefaultNoteType, res.Data.NoteType)
	assert.Equal(t, "lead", res.Data.ActorUsername)
	assert.Equal(t, ev.ID, res.Data.EventID)
	assert.NotEmpty(t, res.Data.ID)

	got, err := f.repo.GetEvent(ctx, "t1", ev.ID)
	require.NoError(t, err)
	assert.False(t, got.IsResolved)

	res, err = f.svc.AddNote(ctx, lead, ev.ID, "", "")
	require.NoError(t, err)
	assert.Equal(t, CodeInvalidRequest, res.ErrorCode)
}

func TestResolve_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, security.EventBruteForceAttempt, "10.0.0.1", "")

	first, err := f.svc.Resolve(ctx, lead, ev.ID, "blocked the range", true)
	require.NoError(t, err)
	require.True(t, first.Success)

	f.now = t0.Add(time.Hour)
	second, err := f.svc.Resolve(ctx, lead, ev.ID, "blocked the range", true)
	require.NoError(t, err)
	require.True(t, second.Success)

	assert.True(t, second.Data.IsResolved)
	assert.Equal(t, "lead", second.Data.ResolvedBy)
	assert.Equal(t, *first.Data.ResolvedAt, *second.Data.ResolvedAt)
	assert.Equal(t, security.StatusResolved, second.Data.InvestigationStatus)

	tl, err := f.repo.ListTimeline(ctx, "t1", ev.ID)
	require.NoError(t, err)
	require.Len(t, tl, 2)
	assert.True(t, tl[0].FollowUpRequired)
}

func TestBulkResolve_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.event(t, security.EventLoginFailed, "10.0.0.1", "")
	c := f.event(t, security.EventLoginFailed, "10.0.0.2", "")

	res, err := f.svc.BulkResolve(ctx, lead, []string{a.ID, "b-missing", c.ID}, "noise")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Data.ResolvedCount)
	assert.Equal(t, 1, res.Data.FailedCount)
	assert.Equal(t, []string{a.ID, c.ID}, res.Data.ResolvedEvents)
	require.Len(t, res.Data.FailedEvents, 1)
	assert.Equal(t, "b-missing", res.Data.FailedEvents[0].EventID)
	assert.Equal(t, CodeEventNotFound, res.Data.FailedEvents[0].ErrorCode)

	for _, id := range []string{a.ID, c.ID} {
		got, err := f.repo.GetEvent(ctx, "t1", id)
		require.NoError(t, err)
		assert.True(t, got.IsResolved)
	}

	res, err = f.svc.BulkResolve(ctx, lead, nil, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, security.EventLoginFailed, "10.0.0.1", "")

	res, err := f.svc.Reopen(ctx, lead, ev.ID, "why not")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Event is not resolved", res.Error)
	assert.Equal(t, CodeEventNotResolved, res.ErrorCode)

	unchanged, err := f.repo.GetEvent(ctx, "t1", ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.UpdatedAt, unchanged.UpdatedAt)
	assert.Empty(t, auditActions(t, f.auditRepo, ev.ID))

	_, err = f.svc.Resolve(ctx, lead, ev.ID, "", false)
	require.NoError(t, err)
	res, err = f.svc.Reopen(ctx, security.ActorContext{Tenant: "t1", UserID: "inv"}, ev.ID, "new evidence")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.False(t, res.Data.IsResolved)
	assert.Nil(t, res.Data.ResolvedAt)
	assert.Equal(t, "lead", res.Data.ResolvedBy)
	assert.Equal(t, security.StatusInProgress, res.Data.InvestigationStatus)
}

func TestTransitionsAreAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, security.EventLoginFailed, "10.0.0.1", "")

	_, _ = f.svc.Assign(ctx, lead, ev.ID, "inv", "")
	_, _ = f.svc.UpdateStatus(ctx, lead, ev.ID, security.StatusInProgress, "")
	_, _ = f.svc.AddNote(ctx, lead, ev.ID, "n", "evidence")
	_, _ = f.svc.Resolve(ctx, lead, ev.ID, "", false)
	_, _ = f.svc.Reopen(ctx, lead, ev.ID, "")

	assert.Equal(t, []security.AuditAction{
		security.ActionEventAssigned,
		security.ActionEventStatusUpdated,
		security.ActionEventNoteAdded,
		security.ActionEventResolved,
		security.ActionEventReopened,
	}, auditActions(t, f.auditRepo, ev.ID))

	for _, e := range f.auditRepo.Entries() {
		assert.True(t, audit.VerifyIntegrity(e))
	}
}

func TestGetTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.event(t, security.EventLoginFailed, "10.0.0.1", "")

	f.now = t0.Add(time.Minute)
	_, _ = f.svc.Assign(ctx, lead, ev.ID, "inv", "")
	f.now = t0.Add(2 * time.Minute)
	_, _ = f.svc.AddNote(ctx, security.ActorContext{Tenant: "t1", UserID: "inv"}, ev.ID, "checked logs", "evidence")
	f.now = t0.Add(3 * time.Minute)
	_, _ = f.svc.Resolve(ctx, lead, ev.ID, "benign", false)
	f.now = t0.Add(4 * time.Minute)
	_, _ = f.svc.Reopen(ctx, lead, ev.ID, "recurred")

	res, err := f.svc.GetTimeline(ctx, "t1", ev.ID)
	require.NoError(t, err)
	require.True(t, res.Success)

	kinds := make([]security.TimelineKind, 0, len(res.Data))
	for _, e := range res.Data {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []security.TimelineKind{
		security.TimelineEventCreated,
		security.TimelineAssignment,
		security.TimelineInvestigation,
		security.TimelineResolution,
		security.TimelineReopened,
	}, kinds)
	assert.Equal(t, "investigator", res.Data[2].ActorUsername)
	assert.Equal(t, "evidence", res.Data[2].NoteType)

	res, err = f.svc.GetTimeline(ctx, "t1", "missing")
	require.NoError(t, err)
	assert.Equal(t, CodeEventNotFound, res.ErrorCode)
}

func TestGetTimeline_ResolvedWithoutEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resolvedAt := t0.Add(time.Hour)
	require.NoError(t, f.repo.CreateEvent(ctx, security.SecurityEvent{
		ID: "legacy", TenantSchema: "t1", EventType: security.EventLoginFailed, Severity: security.SeverityLow,
		IsResolved: true, ResolvedAt: &resolvedAt, ResolvedBy: "lead", ResolutionNotes: "old",
		CreatedAt: t0, UpdatedAt: resolvedAt,
	}))

	res, err := f.svc.GetTimeline(ctx, "t1", "legacy")
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	assert.Equal(t, security.TimelineResolution, res.Data[1].Kind)
	assert.Equal(t, resolvedAt, res.Data[1].CreatedAt)
}

func TestGetRelatedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := f.event(t, security.EventUnauthorizedAccess, "10.0.0.1", "u1")
	for i := 0; i < 12; i++ {
		f.now = f.now.Add(time.Minute)
		f.event(t, security.EventLoginFailed, "10.0.0.1", "")
	}
	f.event(t, security.EventLoginSuccess, "10.0.0.2", "u1")
	f.event(t, security.EventUnauthorizedAccess, "10.0.0.3", "")

	_, _, err := f.events.RecordSuspiciousActivity(ctx, security.ActorContext{Tenant: "t1", IPAddress: "10.0.0.1"}, events.NewActivity{
		ActivityType:    security.ActivityUnauthorizedAPIUsage,
		ConfidenceScore: 0.5,
		RelatedEventIDs: []string{target.ID},
	})
	require.NoError(t, err)

	res, err := f.svc.GetRelatedEvents(ctx, "t1", target.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Len(t, res.Data.SameIP, 10)
	assert.Len(t, res.Data.SameUser, 1)
	assert.Len(t, res.Data.SameType, 1)
	require.Len(t, res.Data.Activities, 1)
	for _, ev := range res.Data.SameIP {
		assert.NotEqual(t, target.ID, ev.ID)
	}

	res, err = f.svc.GetRelatedEvents(ctx, "t1", "missing")
	require.NoError(t, err)
	assert.Equal(t, CodeEventNotFound, res.ErrorCode)
}

type activitiesDown struct{ events.Repository }

func (activitiesDown) ListActivities(ctx context.Context, tenant string, q events.ActivityQuery) ([]security.SuspiciousActivity, error) {
	return nil, errors.New("connection reset")
}

func TestGetRelatedEvents_FailedLookupLeavesGroupEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := f.event(t, security.EventUnauthorizedAccess, "10.0.0.1", "u1")
	f.event(t, security.EventLoginFailed, "10.0.0.1", "")

	core, logs := observer.New(zapcore.WarnLevel)
	svc := NewService(activitiesDown{f.repo}, nil, directory.NewMemoryDirectory()).WithLogger(zap.New(core))

	res, err := svc.GetRelatedEvents(ctx, "t1", target.ID)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Len(t, res.Data.SameIP, 1)
	assert.NotNil(t, res.Data.Activities)
	assert.Empty(t, res.Data.Activities)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "related lookup failed", entry.Message)
	assert.Contains(t, entry.ContextMap()["error"], "suspicious_activities")
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition("", security.StatusAssigned))
	assert.True(t, CanTransition(security.StatusEscalated, security.StatusEscalated))
	assert.True(t, CanTransition(security.StatusResolved, security.StatusClosed))
	assert.False(t, CanTransition(security.StatusClosed, security.StatusResolved))
	assert.False(t, CanTransition(security.StatusResolved, security.StatusAssigned))
}
