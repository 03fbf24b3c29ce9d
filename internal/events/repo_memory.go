package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"security-core/internal/audit"
	"security-core/internal/security"
)

// MemoryRepo is an in-memory event store for tests and local runs.
// It enforces tenant isolation on every read.
type MemoryRepo struct {
	mu sync.Mutex

	events     map[string]security.SecurityEvent
	activities map[string]security.SuspiciousActivity
	timeline   []security.TimelineEntry

	audit audit.Repository
}

// NewMemoryRepo returns an empty store. auditRepo receives the audit half
// of linked writes and may be nil when none are made.
func NewMemoryRepo(auditRepo audit.Repository) *MemoryRepo {
	return &MemoryRepo{
		events:     map[string]security.SecurityEvent{},
		activities: map[string]security.SuspiciousActivity{},
		audit:      auditRepo,
	}
}

func key(tenant, id string) string { return tenant + "|" + id }

func (r *MemoryRepo) CreateEvent(ctx context.Context, ev security.SecurityEvent) error {
	if ev.TenantSchema == "" {
		return security.ErrTenantRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(ev.TenantSchema, ev.ID)
	if _, ok := r.events[k]; ok {
		return fmt.Errorf("%w: event %s", security.ErrDuplicate, ev.ID)
	}
	r.events[k] = ev
	return nil
}

func (r *MemoryRepo) CreateLinked(ctx context.Context, ev security.SecurityEvent, entry security.AuditLog) error {
	if r.audit == nil {
		return errors.New("events: audit repository not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(ev.TenantSchema, ev.ID)
	if _, ok := r.events[k]; ok {
		return fmt.Errorf("%w: event %s", security.ErrDuplicate, ev.ID)
	}
	if err := r.audit.Append(ctx, entry); err != nil {
		return err
	}
	r.events[k] = ev
	return nil
}

func (r *MemoryRepo) GetEvent(ctx context.Context, tenant, id string) (security.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[key(tenant, id)]
	if !ok {
		return security.SecurityEvent{}, ErrNotFound
	}
	return ev, nil
}

func (r *MemoryRepo) MutateEvent(ctx context.Context, tenant, id string, fn MutateFunc) (security.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(tenant, id)
	ev, ok := r.events[k]
	if !ok {
		return security.SecurityEvent{}, ErrNotFound
	}
	ev.Details = cloneDetails(ev.Details)
	entry, err := fn(&ev)
	if err != nil {
		return security.SecurityEvent{}, err
	}
	r.events[k] = ev
	if entry != nil {
		entry.TenantSchema, entry.EventID = tenant, id
		r.timeline = append(r.timeline, *entry)
	}
	return ev, nil
}

func (r *MemoryRepo) ListEvents(ctx context.Context, tenant string, q Query) ([]security.SecurityEvent, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.filter(tenant, q)
	sortEvents(out, q.OrderBy)
	total := len(out)
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []security.SecurityEvent{}, total, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, total, nil
}

func (r *MemoryRepo) CountEvents(ctx context.Context, tenant string, q Query) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.filter(tenant, q)), nil
}

func (r *MemoryRepo) filter(tenant string, q Query) []security.SecurityEvent {
	out := make([]security.SecurityEvent, 0)
	for _, ev := range r.events {
		if ev.TenantSchema == tenant && matchesQuery(ev, q) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *MemoryRepo) CreateActivity(ctx context.Context, act security.SuspiciousActivity, ev security.SecurityEvent) error {
	if act.TenantSchema == "" || ev.TenantSchema != act.TenantSchema {
		return security.ErrTenantRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ak, ek := key(act.TenantSchema, act.ID), key(ev.TenantSchema, ev.ID)
	if _, ok := r.activities[ak]; ok {
		return fmt.Errorf("%w: activity %s", security.ErrDuplicate, act.ID)
	}
	if _, ok := r.events[ek]; ok {
		return fmt.Errorf("%w: event %s", security.ErrDuplicate, ev.ID)
	}
	r.activities[ak] = act
	r.events[ek] = ev
	return nil
}

func (r *MemoryRepo) GetActivity(ctx context.Context, tenant, id string) (security.SuspiciousActivity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	act, ok := r.activities[key(tenant, id)]
	if !ok {
		return security.SuspiciousActivity{}, ErrNotFound
	}
	return act, nil
}

func (r *MemoryRepo) UpdateActivity(ctx context.Context, act security.SuspiciousActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(act.TenantSchema, act.ID)
	if _, ok := r.activities[k]; !ok {
		return ErrNotFound
	}
	r.activities[k] = act
	return nil
}

func (r *MemoryRepo) ListActivities(ctx context.Context, tenant string, q ActivityQuery) ([]security.SuspiciousActivity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]security.SuspiciousActivity, 0)
	for _, a := range r.activities {
		if a.TenantSchema != tenant {
			continue
		}
		if q.UserID != "" && a.UserID != q.UserID {
			continue
		}
		if q.IPAddress != "" && a.IPAddress != q.IPAddress {
			continue
		}
		if q.Investigated != nil && a.IsInvestigated != *q.Investigated {
			continue
		}
		if q.RelatedEventID != "" && !slices.Contains(a.RelatedEventIDs, q.RelatedEventID) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryRepo) ListTimeline(ctx context.Context, tenant, eventID string) ([]security.TimelineEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]security.TimelineEntry, 0)
	for _, e := range r.timeline {
		if e.TenantSchema == tenant && e.EventID == eventID {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeleteResolvedEventsBefore removes resolved events created before cutoff,
// together with their timelines.
func (r *MemoryRepo) DeleteResolvedEventsBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := map[string]struct{}{}
	for k, ev := range r.events {
		if ev.TenantSchema == tenant && ev.IsResolved && ev.CreatedAt.Before(cutoff) {
			delete(r.events, k)
			removed[ev.ID] = struct{}{}
		}
	}
	kept := r.timeline[:0]
	for _, e := range r.timeline {
		if _, gone := removed[e.EventID]; gone && e.TenantSchema == tenant {
			continue
		}
		kept = append(kept, e)
	}
	r.timeline = kept
	return int64(len(removed)), nil
}

// DeleteFalsePositivesBefore removes investigated false-positive activities created before cutoff.
func (r *MemoryRepo) DeleteFalsePositivesBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, a := range r.activities {
		if a.TenantSchema == tenant && a.IsInvestigated && a.IsFalsePositive && a.CreatedAt.Before(cutoff) {
			delete(r.activities, k)
			n++
		}
	}
	return n, nil
}

func matchesQuery(ev security.SecurityEvent, q Query) bool {
	if q.ExcludeID != "" && ev.ID == q.ExcludeID {
		return false
	}
	if len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, ev.EventType) {
		return false
	}
	if len(q.Severities) > 0 && !slices.Contains(q.Severities, ev.Severity) {
		return false
	}
	if q.Resolved != nil && ev.IsResolved != *q.Resolved {
		return false
	}
	if !q.From.IsZero() && ev.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !ev.CreatedAt.Before(q.To) {
		return false
	}
	if q.UserID != "" && ev.UserID != q.UserID {
		return false
	}
	if q.IPAddress != "" && ev.IPAddress != q.IPAddress {
		return false
	}
	if q.AssignedTo != "" && ev.AssignedTo != q.AssignedTo {
		return false
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		raw, _ := json.Marshal(ev.Details)
		hay := []string{ev.UsernameAttempted, ev.IPAddress, ev.UserAgent, ev.ResolutionNotes, string(raw)}
		found := false
		for _, h := range hay {
			if strings.Contains(strings.ToLower(h), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortEvents(evs []security.SecurityEvent, order string) {
	newest := func(i, j int) bool {
		if evs[i].CreatedAt.Equal(evs[j].CreatedAt) {
			return evs[i].ID > evs[j].ID
		}
		return evs[i].CreatedAt.After(evs[j].CreatedAt)
	}
	switch order {
	case OrderOldest:
		sort.SliceStable(evs, func(i, j int) bool { return newest(j, i) })
	case OrderSeverity:
		sort.SliceStable(evs, func(i, j int) bool {
			ri, rj := evs[i].Severity.Rank(), evs[j].Severity.Rank()
			if ri != rj {
				return ri > rj
			}
			return newest(i, j)
		})
	case OrderEventType:
		sort.SliceStable(evs, func(i, j int) bool {
			if evs[i].EventType != evs[j].EventType {
				return evs[i].EventType < evs[j].EventType
			}
			return newest(i, j)
		})
	default:
		sort.SliceStable(evs, newest)
	}
}

func cloneDetails(d security.Details) security.Details {
	if d == nil {
		return nil
	}
	out := make(security.Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
