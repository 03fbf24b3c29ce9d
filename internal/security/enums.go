package security

// Severity is the coarse classification assigned when an event is created.
// The same four levels are reused for priorities and risk levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Rank orders levels from 0 (low) to 3 (critical); -1 for unknown values.
func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Up returns the next level, saturating at critical.
func (s Severity) Up() Severity {
	r := s.Rank()
	if r < 0 || r == len(severityOrder)-1 {
		return s
	}
	return severityOrder[r+1]
}

// Down returns the previous level, saturating at low.
func (s Severity) Down() Severity {
	r := s.Rank()
	if r <= 0 {
		return s
	}
	return severityOrder[r-1]
}

// Severities lists all levels from lowest to highest.
func Severities() []Severity {
	out := make([]Severity, len(severityOrder))
	copy(out, severityOrder)
	return out
}

type EventType string

const (
	EventLoginSuccess          EventType = "login_success"
	EventLoginFailed           EventType = "login_failed"
	EventLoginBlocked          EventType = "login_blocked"
	EventLogout                EventType = "logout"
	EventPasswordChange        EventType = "password_change"
	EventPasswordResetRequest  EventType = "password_reset_request"
	EventPasswordResetComplete EventType = "password_reset_complete"
	Event2FAEnabled            EventType = "2fa_enabled"
	Event2FADisabled           EventType = "2fa_disabled"
	Event2FASuccess            EventType = "2fa_success"
	Event2FAFailed             EventType = "2fa_failed"
	EventAccountLocked         EventType = "account_locked"
	EventAccountUnlocked       EventType = "account_unlocked"
	EventSuspiciousActivity    EventType = "suspicious_activity"
	EventBruteForceAttempt     EventType = "brute_force_attempt"
	EventUnauthorizedAccess    EventType = "unauthorized_access"
	EventPrivilegeEscalation   EventType = "privilege_escalation"
	EventDataExport            EventType = "data_export"
	EventBulkOperation         EventType = "bulk_operation"
	EventAdminImpersonation    EventType = "admin_impersonation"
	EventAPIRateLimit          EventType = "api_rate_limit"
	EventCSRFFailure           EventType = "csrf_failure"
	EventSessionHijack         EventType = "session_hijack"
	EventPermissionDenied      EventType = "permission_denied"
)

var eventTypes = map[EventType]struct{}{
	EventLoginSuccess: {}, EventLoginFailed: {}, EventLoginBlocked: {}, EventLogout: {},
	EventPasswordChange: {}, EventPasswordResetRequest: {}, EventPasswordResetComplete: {},
	Event2FAEnabled: {}, Event2FADisabled: {}, Event2FASuccess: {}, Event2FAFailed: {},
	EventAccountLocked: {}, EventAccountUnlocked: {}, EventSuspiciousActivity: {},
	EventBruteForceAttempt: {}, EventUnauthorizedAccess: {}, EventPrivilegeEscalation: {},
	EventDataExport: {}, EventBulkOperation: {}, EventAdminImpersonation: {},
	EventAPIRateLimit: {}, EventCSRFFailure: {}, EventSessionHijack: {}, EventPermissionDenied: {},
}

func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// AuditAction names what an AuditLog entry records.
type AuditAction string

const (
	ActionCreate          AuditAction = "create"
	ActionRead            AuditAction = "read"
	ActionUpdate          AuditAction = "update"
	ActionDelete          AuditAction = "delete"
	ActionLogin           AuditAction = "login"
	ActionLogout          AuditAction = "logout"
	ActionLoginFailed     AuditAction = "login_failed"
	ActionPasswordChange  AuditAction = "password_change"
	Action2FAEnable       AuditAction = "2fa_enable"
	Action2FADisable      AuditAction = "2fa_disable"
	ActionAdminAction     AuditAction = "admin_action"
	ActionImpersonation   AuditAction = "impersonation"
	ActionDataExport      AuditAction = "data_export"
	ActionBulkOperation   AuditAction = "bulk_operation"
	ActionSale            AuditAction = "sale"
	ActionPurchase        AuditAction = "purchase"
	ActionPayment         AuditAction = "payment"
	ActionInventoryAdjust AuditAction = "inventory_adjust"
	ActionReportGenerate  AuditAction = "report_generate"

	// Investigation workflow transitions.
	ActionEventAssigned        AuditAction = "security_event_assigned"
	ActionEventStatusUpdated   AuditAction = "security_event_status_updated"
	ActionEventNoteAdded       AuditAction = "security_event_note_added"
	ActionEventResolved        AuditAction = "security_event_resolved"
	ActionEventReopened        AuditAction = "security_event_reopened"
	ActionActivityInvestigated AuditAction = "suspicious_activity_investigated"
)

var auditActions = map[AuditAction]struct{}{
	ActionCreate: {}, ActionRead: {}, ActionUpdate: {}, ActionDelete: {},
	ActionLogin: {}, ActionLogout: {}, ActionLoginFailed: {}, ActionPasswordChange: {},
	Action2FAEnable: {}, Action2FADisable: {}, ActionAdminAction: {}, ActionImpersonation: {},
	ActionDataExport: {}, ActionBulkOperation: {}, ActionSale: {}, ActionPurchase: {},
	ActionPayment: {}, ActionInventoryAdjust: {}, ActionReportGenerate: {},
	ActionEventAssigned: {}, ActionEventStatusUpdated: {}, ActionEventNoteAdded: {},
	ActionEventResolved: {}, ActionEventReopened: {}, ActionActivityInvestigated: {},
}

func (a AuditAction) Valid() bool {
	_, ok := auditActions[a]
	return ok
}

type LimitType string

const (
	LimitLogin            LimitType = "login"
	LimitAPICall          LimitType = "api_call"
	LimitPasswordReset    LimitType = "password_reset"
	Limit2FAVerify        LimitType = "2fa_verify"
	LimitDataExport       LimitType = "data_export"
	LimitBulkOperation    LimitType = "bulk_operation"
	LimitSearch           LimitType = "search"
	LimitReportGeneration LimitType = "report_generation"
)

type ActivityType string

const (
	ActivityMultipleFailedLogins ActivityType = "multiple_failed_logins"
	ActivityUnusualAccessPattern ActivityType = "unusual_access_pattern"
	ActivityPrivilegeEscalation  ActivityType = "privilege_escalation"
	ActivityDataScraping         ActivityType = "data_scraping"
	ActivitySessionAnomaly       ActivityType = "session_anomaly"
	ActivityGeographicAnomaly    ActivityType = "geographic_anomaly"
	ActivityTimeAnomaly          ActivityType = "time_anomaly"
	ActivityBulkDataAccess       ActivityType = "bulk_data_access"
	ActivityUnauthorizedAPIUsage ActivityType = "unauthorized_api_usage"
	ActivitySuspiciousUserAgent  ActivityType = "suspicious_user_agent"
)

var activityTypes = map[ActivityType]struct{}{
	ActivityMultipleFailedLogins: {}, ActivityUnusualAccessPattern: {}, ActivityPrivilegeEscalation: {},
	ActivityDataScraping: {}, ActivitySessionAnomaly: {}, ActivityGeographicAnomaly: {},
	ActivityTimeAnomaly: {}, ActivityBulkDataAccess: {}, ActivityUnauthorizedAPIUsage: {},
	ActivitySuspiciousUserAgent: {},
}

func (a ActivityType) Valid() bool {
	_, ok := activityTypes[a]
	return ok
}

// InvestigationStatus is the durable workflow state of a SecurityEvent.
type InvestigationStatus string

const (
	StatusNotStarted  InvestigationStatus = "not_started"
	StatusAssigned    InvestigationStatus = "assigned"
	StatusInProgress  InvestigationStatus = "in_progress"
	StatusPendingInfo InvestigationStatus = "pending_info"
	StatusEscalated   InvestigationStatus = "escalated"
	StatusResolved    InvestigationStatus = "resolved"
	StatusClosed      InvestigationStatus = "closed"
)

func (s InvestigationStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusAssigned, StatusInProgress, StatusPendingInfo,
		StatusEscalated, StatusResolved, StatusClosed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status marks the event as resolved.
func (s InvestigationStatus) Terminal() bool {
	return s == StatusResolved || s == StatusClosed
}

type TimelineKind string

const (
	TimelineEventCreated  TimelineKind = "event_created"
	TimelineAssignment    TimelineKind = "assignment"
	TimelineStatusUpdate  TimelineKind = "status_update"
	TimelineInvestigation TimelineKind = "investigation"
	TimelineResolution    TimelineKind = "resolution"
	TimelineReopened      TimelineKind = "reopened"
)
