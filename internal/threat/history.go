package threat

import (
	"context"
	"time"

	"security-core/internal/events"
	"security-core/internal/security"
)

// historyLimit bounds how many past logins one analysis reads.
const historyLimit = 500

// EventLister is the slice of the event store EventHistory reads.
type EventLister interface {
	ListEvents(ctx context.Context, tenant string, q events.Query) ([]security.SecurityEvent, int, error)
}

// EventHistory derives login history from stored login_success events.
type EventHistory struct {
	events EventLister
}

func NewEventHistory(ev EventLister) *EventHistory { return &EventHistory{events: ev} }

func (h *EventHistory) SuccessfulLogins(ctx context.Context, tenant, userID string, since time.Time) ([]Login, error) {
	evs, _, err := h.events.ListEvents(ctx, tenant, events.Query{
		EventTypes: []security.EventType{security.EventLoginSuccess},
		UserID:     userID,
		From:       since,
		OrderBy:    events.OrderNewest,
		Limit:      historyLimit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Login, 0, len(evs))
	for _, ev := range evs {
		out = append(out, Login{UserID: ev.UserID, IPAddress: ev.IPAddress, UserAgent: ev.UserAgent, At: ev.CreatedAt})
	}
	return out, nil
}
