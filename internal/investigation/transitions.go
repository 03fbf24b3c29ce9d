package investigation

import (
	"slices"

	"security-core/internal/security"
)

// allowed lists the statuses reachable through UpdateStatus. Staying in the
// same status is always allowed and only records a note. Leaving resolved
// or closed for active work goes through Reopen.
var allowed = map[security.InvestigationStatus][]security.InvestigationStatus{
	security.StatusNotStarted: {
		security.StatusAssigned, security.StatusInProgress, security.StatusEscalated,
		security.StatusResolved, security.StatusClosed,
	},
	security.StatusAssigned: {
		security.StatusInProgress, security.StatusPendingInfo, security.StatusEscalated,
		security.StatusResolved, security.StatusClosed,
	},
	security.StatusInProgress: {
		security.StatusPendingInfo, security.StatusEscalated, security.StatusResolved, security.StatusClosed,
	},
	security.StatusPendingInfo: {
		security.StatusInProgress, security.StatusEscalated, security.StatusResolved, security.StatusClosed,
	},
	security.StatusEscalated: {
		security.StatusInProgress, security.StatusPendingInfo, security.StatusResolved, security.StatusClosed,
	},
	security.StatusResolved: {security.StatusClosed},
}

// CanTransition reports whether UpdateStatus may move from one status to another.
func CanTransition(from, to security.InvestigationStatus) bool {
	if from == "" {
		from = security.StatusNotStarted
	}
	if from == to {
		return true
	}
	return slices.Contains(allowed[from], to)
}
