package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"security-core/internal/security"
)

var (
	ErrInvalidEvent = errors.New("events: invalid event")
	ErrNotFound     = fmt.Errorf("events: %w", security.ErrNotFound)
)

// Query filters security events. Zero values match everything.
type Query struct {
	EventTypes []security.EventType
	Severities []security.Severity
	Resolved   *bool
	From       time.Time
	To         time.Time
	UserID     string
	IPAddress  string
	AssignedTo string
	ExcludeID  string

	// Search matches case-insensitively across username, ip, user agent,
	// resolution notes and the serialized details.
	Search string

	// OrderBy is one of the Order* constants; empty means newest first.
	OrderBy string
	Limit   int
	Offset  int
}

const (
	OrderNewest    = "-created_at"
	OrderOldest    = "created_at"
	OrderSeverity  = "-severity"
	OrderEventType = "event_type"
)

// ValidOrder reports whether o is an accepted OrderBy value.
func ValidOrder(o string) bool {
	switch o {
	case "", OrderNewest, OrderOldest, OrderSeverity, OrderEventType:
		return true
	default:
		return false
	}
}

// ActivityQuery filters suspicious activities.
type ActivityQuery struct {
	RelatedEventID string
	UserID         string
	IPAddress      string
	Investigated   *bool
	Limit          int
}

// MutateFunc edits a locked event in place. It returns the timeline entry
// to append alongside the update, or nil for none. Returning an error
// aborts the whole change.
type MutateFunc func(ev *security.SecurityEvent) (*security.TimelineEntry, error)

// Repository is the event store for security events, suspicious activities
// and investigation timelines. Every method is tenant-scoped.
type Repository interface {
	CreateEvent(ctx context.Context, ev security.SecurityEvent) error
	// CreateLinked writes an event and an audit entry in one unit.
	CreateLinked(ctx context.Context, ev security.SecurityEvent, entry security.AuditLog) error
	GetEvent(ctx context.Context, tenant, id string) (security.SecurityEvent, error)
	// MutateEvent locks one event, applies fn and persists the result.
	MutateEvent(ctx context.Context, tenant, id string, fn MutateFunc) (security.SecurityEvent, error)
	ListEvents(ctx context.Context, tenant string, q Query) ([]security.SecurityEvent, int, error)
	CountEvents(ctx context.Context, tenant string, q Query) (int, error)

	// CreateActivity writes an activity and its linked suspicious_activity event in one unit.
	CreateActivity(ctx context.Context, act security.SuspiciousActivity, ev security.SecurityEvent) error
	GetActivity(ctx context.Context, tenant, id string) (security.SuspiciousActivity, error)
	UpdateActivity(ctx context.Context, act security.SuspiciousActivity) error
	ListActivities(ctx context.Context, tenant string, q ActivityQuery) ([]security.SuspiciousActivity, error)

	ListTimeline(ctx context.Context, tenant, eventID string) ([]security.TimelineEntry, error)
}

// Publisher is notified after each security event is stored.
type Publisher interface {
	Publish(ctx context.Context, ev security.SecurityEvent) error
}
