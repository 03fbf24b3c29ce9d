package risk

import (
	"context"
	"time"

	"security-core/internal/events"
	"security-core/internal/security"
)

// EventCounter is the slice of the event store the scorer reads.
type EventCounter interface {
	CountEvents(ctx context.Context, tenant string, q events.Query) (int, error)
}

const (
	ipWindow   = 24 * time.Hour
	userWindow = 6 * time.Hour
)

var failureTypes = []security.EventType{security.EventLoginFailed, security.EventUnauthorizedAccess}

// Service fetches trailing-window counts and feeds them to the Categorizer.
type Service struct {
	counter EventCounter
	cat     Categorizer
	clock   func() time.Time
}

func NewService(counter EventCounter, cat Categorizer) *Service {
	return &Service{counter: counter, cat: cat, clock: time.Now}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) Categorizer() Categorizer { return s.cat }

// CategorizeEvent classifies ev using counts anchored at the current time.
func (s *Service) CategorizeEvent(ctx context.Context, ev security.SecurityEvent) (Assessment, error) {
	b := s.NewBatch(ev.TenantSchema)
	return b.Categorize(ctx, ev)
}

// Batch memoizes window counts across many events of one tenant, all
// anchored at the instant the batch was created.
type Batch struct {
	svc    *Service
	tenant string
	now    time.Time

	ipType map[[2]string]int
	ip     map[string]int
	user   map[string]int
}

func (s *Service) NewBatch(tenant string) *Batch {
	return &Batch{
		svc:    s,
		tenant: tenant,
		now:    s.clock().UTC(),
		ipType: map[[2]string]int{},
		ip:     map[string]int{},
		user:   map[string]int{},
	}
}

func (b *Batch) Categorize(ctx context.Context, ev security.SecurityEvent) (Assessment, error) {
	in := Input{EventType: ev.EventType, Severity: ev.Severity}
	var err error
	if ev.IPAddress != "" {
		if in.SameIPTypeCount, err = b.countIPType(ctx, ev.IPAddress, ev.EventType); err != nil {
			return Assessment{}, err
		}
		if in.SameIPCount, err = b.countIP(ctx, ev.IPAddress); err != nil {
			return Assessment{}, err
		}
	}
	if ev.UserID != "" {
		if in.UserFailureCount, err = b.countUserFailures(ctx, ev.UserID); err != nil {
			return Assessment{}, err
		}
	}
	return b.svc.cat.Categorize(in), nil
}

func (b *Batch) countIPType(ctx context.Context, ip string, t security.EventType) (int, error) {
	k := [2]string{ip, string(t)}
	if n, ok := b.ipType[k]; ok {
		return n, nil
	}
	n, err := b.svc.counter.CountEvents(ctx, b.tenant, events.Query{
		IPAddress:  ip,
		EventTypes: []security.EventType{t},
		From:       b.now.Add(-ipWindow),
	})
	if err != nil {
		return 0, err
	}
	b.ipType[k] = n
	return n, nil
}

func (b *Batch) countIP(ctx context.Context, ip string) (int, error) {
	if n, ok := b.ip[ip]; ok {
		return n, nil
	}
	n, err := b.svc.counter.CountEvents(ctx, b.tenant, events.Query{IPAddress: ip, From: b.now.Add(-ipWindow)})
	if err != nil {
		return 0, err
	}
	b.ip[ip] = n
	return n, nil
}

func (b *Batch) countUserFailures(ctx context.Context, userID string) (int, error) {
	if n, ok := b.user[userID]; ok {
		return n, nil
	}
	n, err := b.svc.counter.CountEvents(ctx, b.tenant, events.Query{
		UserID:     userID,
		EventTypes: failureTypes,
		From:       b.now.Add(-userWindow),
	})
	if err != nil {
		return 0, err
	}
	b.user[userID] = n
	return n, nil
}

// DetectForEvent runs pattern detection only, for callers reacting to a new event.
func (s *Service) DetectForEvent(ctx context.Context, ev security.SecurityEvent) (Pattern, error) {
	a, err := s.CategorizeEvent(ctx, ev)
	if err != nil {
		return Pattern{}, err
	}
	return a.Pattern, nil
}
