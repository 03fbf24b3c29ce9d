package security

import "time"

// Details is the loosely-typed payload kept at the storage boundary.
// Callers shape the keys per event type.
type Details map[string]any

// SecurityEvent is one discrete security-relevant occurrence.
//
// Invariants:
// - Severity is one of the four levels.
// - IsResolved implies ResolvedAt is set, and ResolvedBy unless resolved by the system.
// - Risk score is never stored; it is recomputed on read.
type SecurityEvent struct {
	ID           string `json:"id"`
	TenantSchema string `json:"tenant_schema"`

	EventType EventType `json:"event_type"`
	Severity  Severity  `json:"severity"`

	UserID            string `json:"user_id,omitempty"`
	UsernameAttempted string `json:"username_attempted,omitempty"`

	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	SessionKey    string `json:"session_key,omitempty"`
	RequestPath   string `json:"request_path,omitempty"`
	RequestMethod string `json:"request_method,omitempty"`

	Details Details `json:"details"`

	IsResolved      bool       `json:"is_resolved"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`

	InvestigationStatus InvestigationStatus `json:"investigation_status"`
	AssignedTo          string              `json:"assigned_to,omitempty"`

	// AuditLogID links an impersonation event to its audit entry.
	AuditLogID string `json:"audit_log_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// AuditLog is an immutable "who did what to which object" record.
// Any mutation after creation breaks checksum verification.
type AuditLog struct {
	ID           string `json:"id"`
	TenantSchema string `json:"tenant_schema"`

	UserID string      `json:"user_id,omitempty"`
	Action AuditAction `json:"action"`

	Subject
	ObjectRepr string `json:"object_repr,omitempty"`

	Changes   Details `json:"changes"`
	OldValues Details `json:"old_values,omitempty"`
	NewValues Details `json:"new_values,omitempty"`

	IPAddress     string `json:"ip_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	SessionKey    string `json:"session_key,omitempty"`
	RequestPath   string `json:"request_path,omitempty"`
	RequestMethod string `json:"request_method,omitempty"`

	Details Details `json:"details,omitempty"`

	// SecurityEventID links an impersonation entry to its security event.
	SecurityEventID string `json:"security_event_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
}

// RateLimitAttempt is a fixed-window counter, unique per
// (tenant, identifier, limit_type, endpoint).
type RateLimitAttempt struct {
	ID           string `json:"id"`
	TenantSchema string `json:"tenant_schema"`

	Identifier string    `json:"identifier"`
	LimitType  LimitType `json:"limit_type"`
	Endpoint   string    `json:"endpoint"`

	Attempts    int       `json:"attempts"`
	WindowStart time.Time `json:"window_start"`
	LastAttempt time.Time `json:"last_attempt"`

	IsBlocked    bool       `json:"is_blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`

	UserAgent string  `json:"user_agent,omitempty"`
	Details   Details `json:"details,omitempty"`
}

// SuspiciousActivity is a flagged pattern awaiting investigation.
type SuspiciousActivity struct {
	ID           string `json:"id"`
	TenantSchema string `json:"tenant_schema"`

	ActivityType ActivityType `json:"activity_type"`
	RiskLevel    Severity     `json:"risk_level"`

	UserID     string `json:"user_id,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	SessionKey string `json:"session_key,omitempty"`

	PatternData     Details `json:"pattern_data,omitempty"`
	ConfidenceScore float64 `json:"confidence_score"`

	IsInvestigated     bool       `json:"is_investigated"`
	InvestigatedBy     string     `json:"investigated_by,omitempty"`
	InvestigatedAt     *time.Time `json:"investigated_at,omitempty"`
	InvestigationNotes string     `json:"investigation_notes,omitempty"`
	IsFalsePositive    bool       `json:"is_false_positive"`

	RelatedEventIDs []string `json:"related_event_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimelineEntry is one append-only step in an event's investigation history.
type TimelineEntry struct {
	ID           string `json:"id"`
	TenantSchema string `json:"tenant_schema"`
	EventID      string `json:"event_id"`

	Kind TimelineKind `json:"kind"`

	ActorID       string `json:"actor_id,omitempty"`
	ActorUsername string `json:"actor_username,omitempty"`

	NoteType string              `json:"note_type,omitempty"`
	Status   InvestigationStatus `json:"status,omitempty"`
	Text     string              `json:"text,omitempty"`

	FollowUpRequired bool `json:"follow_up_required,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
