package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"security-core/internal/audit"
	"security-core/internal/security"
	"security-core/pkg/utils"
)

// PostgresRepo persists security events, suspicious activities and timelines
// (see internal/schema). Every statement filters on tenant_schema.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const eventColumns = `id, tenant_schema, event_type, severity, user_id, username_attempted,
ip_address, user_agent, session_key, request_path, request_method, details,
is_resolved, resolved_by, resolved_at, resolution_notes, investigation_status, assigned_to,
audit_log_id, created_at, updated_at, created_by, updated_by`

func (r *PostgresRepo) CreateEvent(ctx context.Context, ev security.SecurityEvent) error {
	return insertEvent(ctx, r.db, ev)
}

func (r *PostgresRepo) CreateLinked(ctx context.Context, ev security.SecurityEvent, entry security.AuditLog) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := audit.InsertTx(ctx, tx, entry); err != nil {
			return err
		}
		return insertEvent(ctx, tx, ev)
	})
}

func insertEvent(ctx context.Context, q utils.Querier, ev security.SecurityEvent) error {
	details, err := utils.JSONValue(ev.Details)
	if err != nil {
		return err
	}
	const stmt = `
INSERT INTO security_events (` + eventColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
`
	_, err = q.ExecContext(ctx, stmt,
		ev.ID,
		ev.TenantSchema,
		string(ev.EventType),
		string(ev.Severity),
		utils.NullString(ev.UserID),
		ev.UsernameAttempted,
		utils.NullString(ev.IPAddress),
		ev.UserAgent,
		ev.SessionKey,
		ev.RequestPath,
		ev.RequestMethod,
		details,
		ev.IsResolved,
		utils.NullString(ev.ResolvedBy),
		utils.NullTime(ev.ResolvedAt),
		ev.ResolutionNotes,
		string(ev.InvestigationStatus),
		utils.NullString(ev.AssignedTo),
		utils.NullString(ev.AuditLogID),
		ev.CreatedAt,
		ev.UpdatedAt,
		utils.NullString(ev.CreatedBy),
		utils.NullString(ev.UpdatedBy),
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: event %s", security.ErrDuplicate, ev.ID)
	}
	return err
}

func (r *PostgresRepo) GetEvent(ctx context.Context, tenant, id string) (security.SecurityEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM security_events WHERE tenant_schema = $1 AND id = $2`
	ev, err := scanEvent(r.db.QueryRowContext(ctx, q, tenant, id))
	if errors.Is(err, sql.ErrNoRows) {
		return security.SecurityEvent{}, ErrNotFound
	}
	return ev, err
}

// MutateEvent serializes concurrent transitions on one event with a row lock.
func (r *PostgresRepo) MutateEvent(ctx context.Context, tenant, id string, fn MutateFunc) (security.SecurityEvent, error) {
	var out security.SecurityEvent
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `SELECT ` + eventColumns + ` FROM security_events WHERE tenant_schema = $1 AND id = $2 FOR UPDATE`
		ev, err := scanEvent(tx.QueryRowContext(ctx, q, tenant, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		entry, err := fn(&ev)
		if err != nil {
			return err
		}
		if err := updateEvent(ctx, tx, ev); err != nil {
			return err
		}
		if entry != nil {
			entry.TenantSchema, entry.EventID = tenant, id
			if err := insertTimeline(ctx, tx, *entry); err != nil {
				return err
			}
		}
		out = ev
		return nil
	})
	return out, err
}

func updateEvent(ctx context.Context, tx *sql.Tx, ev security.SecurityEvent) error {
	details, err := utils.JSONValue(ev.Details)
	if err != nil {
		return err
	}
	const stmt = `
UPDATE security_events
SET details = $3,
    is_resolved = $4,
    resolved_by = $5,
    resolved_at = $6,
    resolution_notes = $7,
    investigation_status = $8,
    assigned_to = $9,
    updated_at = $10,
    updated_by = $11
WHERE tenant_schema = $1 AND id = $2
`
	_, err = tx.ExecContext(ctx, stmt,
		ev.TenantSchema,
		ev.ID,
		details,
		ev.IsResolved,
		utils.NullString(ev.ResolvedBy),
		utils.NullTime(ev.ResolvedAt),
		ev.ResolutionNotes,
		string(ev.InvestigationStatus),
		utils.NullString(ev.AssignedTo),
		ev.UpdatedAt,
		utils.NullString(ev.UpdatedBy),
	)
	return err
}

func insertTimeline(ctx context.Context, q utils.Querier, e security.TimelineEntry) error {
	const stmt = `
INSERT INTO security_event_timeline (id, tenant_schema, event_id, kind, actor_id, actor_username, note_type, status, text, follow_up_required, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`
	_, err := q.ExecContext(ctx, stmt,
		e.ID,
		e.TenantSchema,
		e.EventID,
		string(e.Kind),
		utils.NullString(e.ActorID),
		e.ActorUsername,
		e.NoteType,
		string(e.Status),
		e.Text,
		e.FollowUpRequired,
		e.CreatedAt,
	)
	return err
}

// whereClause renders q as SQL conditions starting at placeholder $2 ($1 is the tenant).
func whereClause(tenant string, q Query) (string, []any) {
	where := []string{"tenant_schema = $1"}
	args := []any{tenant}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(args))))
	}
	if len(q.EventTypes) > 0 {
		ts := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			ts[i] = string(t)
		}
		add("event_type = ANY(string_to_array(?, ','))", strings.Join(ts, ","))
	}
	if len(q.Severities) > 0 {
		ss := make([]string, len(q.Severities))
		for i, s := range q.Severities {
			ss[i] = string(s)
		}
		add("severity = ANY(string_to_array(?, ','))", strings.Join(ss, ","))
	}
	if q.Resolved != nil {
		add("is_resolved = ?", *q.Resolved)
	}
	if !q.From.IsZero() {
		add("created_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		add("created_at < ?", q.To)
	}
	if q.UserID != "" {
		add("user_id = ?", q.UserID)
	}
	if q.IPAddress != "" {
		add("ip_address = ?", q.IPAddress)
	}
	if q.AssignedTo != "" {
		add("assigned_to = ?", q.AssignedTo)
	}
	if q.ExcludeID != "" {
		add("id <> ?", q.ExcludeID)
	}
	if q.Search != "" {
		add(`(username_attempted ILIKE ? OR ip_address ILIKE ? OR user_agent ILIKE ?
 OR resolution_notes ILIKE ? OR details::text ILIKE ?)`, "%"+escapeLike(q.Search)+"%")
	}
	return strings.Join(where, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func orderClause(order string) string {
	switch order {
	case OrderOldest:
		return "created_at ASC, id ASC"
	case OrderSeverity:
		return "CASE severity WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC, created_at DESC, id DESC"
	case OrderEventType:
		return "event_type ASC, created_at DESC, id DESC"
	default:
		return "created_at DESC, id DESC"
	}
}

func (r *PostgresRepo) ListEvents(ctx context.Context, tenant string, q Query) ([]security.SecurityEvent, int, error) {
	total, err := r.CountEvents(ctx, tenant, q)
	if err != nil {
		return nil, 0, err
	}
	where, args := whereClause(tenant, q)
	stmt := `SELECT ` + eventColumns + ` FROM security_events WHERE ` + where + ` ORDER BY ` + orderClause(q.OrderBy)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		stmt += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]security.SecurityEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ev)
	}
	return out, total, rows.Err()
}

func (r *PostgresRepo) CountEvents(ctx context.Context, tenant string, q Query) (int, error) {
	where, args := whereClause(tenant, q)
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM security_events WHERE `+where, args...).Scan(&n)
	return n, err
}

const activityColumns = `id, tenant_schema, activity_type, risk_level, user_id, ip_address, user_agent, session_key,
pattern_data, confidence_score, is_investigated, investigated_by, investigated_at, investigation_notes,
is_false_positive, related_event_ids, created_at, updated_at`

func (r *PostgresRepo) CreateActivity(ctx context.Context, act security.SuspiciousActivity, ev security.SecurityEvent) error {
	pattern, err := utils.JSONValue(act.PatternData)
	if err != nil {
		return err
	}
	related, err := json.Marshal(nonNil(act.RelatedEventIDs))
	if err != nil {
		return err
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		const stmt = `
INSERT INTO suspicious_activities (` + activityColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`
		_, err := tx.ExecContext(ctx, stmt,
			act.ID,
			act.TenantSchema,
			string(act.ActivityType),
			string(act.RiskLevel),
			utils.NullString(act.UserID),
			utils.NullString(act.IPAddress),
			act.UserAgent,
			act.SessionKey,
			pattern,
			act.ConfidenceScore,
			act.IsInvestigated,
			utils.NullString(act.InvestigatedBy),
			utils.NullTime(act.InvestigatedAt),
			act.InvestigationNotes,
			act.IsFalsePositive,
			related,
			act.CreatedAt,
			act.UpdatedAt,
		)
		return err
	})
}

func (r *PostgresRepo) GetActivity(ctx context.Context, tenant, id string) (security.SuspiciousActivity, error) {
	q := `SELECT ` + activityColumns + ` FROM suspicious_activities WHERE tenant_schema = $1 AND id = $2`
	act, err := scanActivity(r.db.QueryRowContext(ctx, q, tenant, id))
	if errors.Is(err, sql.ErrNoRows) {
		return security.SuspiciousActivity{}, ErrNotFound
	}
	return act, err
}

func (r *PostgresRepo) UpdateActivity(ctx context.Context, act security.SuspiciousActivity) error {
	const stmt = `
UPDATE suspicious_activities
SET is_investigated = $3,
    investigated_by = $4,
    investigated_at = $5,
    investigation_notes = $6,
    is_false_positive = $7,
    updated_at = $8
WHERE tenant_schema = $1 AND id = $2
`
	res, err := r.db.ExecContext(ctx, stmt,
		act.TenantSchema,
		act.ID,
		act.IsInvestigated,
		utils.NullString(act.InvestigatedBy),
		utils.NullTime(act.InvestigatedAt),
		act.InvestigationNotes,
		act.IsFalsePositive,
		act.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if utils.RowsAffected(res) == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) ListActivities(ctx context.Context, tenant string, q ActivityQuery) ([]security.SuspiciousActivity, error) {
	where := []string{"tenant_schema = $1"}
	args := []any{tenant}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.RelatedEventID != "" {
		add("related_event_ids ? $%d", q.RelatedEventID)
	}
	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.IPAddress != "" {
		add("ip_address = $%d", q.IPAddress)
	}
	if q.Investigated != nil {
		add("is_investigated = $%d", *q.Investigated)
	}
	stmt := `SELECT ` + activityColumns + ` FROM suspicious_activities WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		stmt += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]security.SuspiciousActivity, 0)
	for rows.Next() {
		act, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListTimeline(ctx context.Context, tenant, eventID string) ([]security.TimelineEntry, error) {
	const q = `
SELECT id, tenant_schema, event_id, kind, actor_id, actor_username, note_type, status, text, follow_up_required, created_at
FROM security_event_timeline
WHERE tenant_schema = $1 AND event_id = $2
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, tenant, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]security.TimelineEntry, 0)
	for rows.Next() {
		var (
			e            security.TimelineEntry
			actor        sql.NullString
			kind, status string
		)
		if err := rows.Scan(&e.ID, &e.TenantSchema, &e.EventID, &kind, &actor, &e.ActorUsername,
			&e.NoteType, &status, &e.Text, &e.FollowUpRequired, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = security.TimelineKind(kind)
		e.Status = security.InvestigationStatus(status)
		e.ActorID = actor.String
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteResolvedEventsBefore removes resolved events created before cutoff.
// Timeline rows go with them through ON DELETE CASCADE.
func (r *PostgresRepo) DeleteResolvedEventsBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM security_events WHERE tenant_schema = $1 AND is_resolved = TRUE AND created_at < $2`
	res, err := r.db.ExecContext(ctx, q, tenant, cutoff)
	if err != nil {
		return 0, err
	}
	return utils.RowsAffected(res), nil
}

// DeleteFalsePositivesBefore removes investigated false-positive activities created before cutoff.
func (r *PostgresRepo) DeleteFalsePositivesBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	const q = `
DELETE FROM suspicious_activities
WHERE tenant_schema = $1 AND is_investigated = TRUE AND is_false_positive = TRUE AND created_at < $2
`
	res, err := r.db.ExecContext(ctx, q, tenant, cutoff)
	if err != nil {
		return 0, err
	}
	return utils.RowsAffected(res), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (security.SecurityEvent, error) {
	var (
		ev                                                    security.SecurityEvent
		eventType, severity, status                           string
		userID, ip, resolvedBy, assignedTo, auditID, cBy, uBy sql.NullString
		resolvedAt                                            sql.NullTime
		details                                               []byte
	)
	if err := row.Scan(
		&ev.ID,
		&ev.TenantSchema,
		&eventType,
		&severity,
		&userID,
		&ev.UsernameAttempted,
		&ip,
		&ev.UserAgent,
		&ev.SessionKey,
		&ev.RequestPath,
		&ev.RequestMethod,
		&details,
		&ev.IsResolved,
		&resolvedBy,
		&resolvedAt,
		&ev.ResolutionNotes,
		&status,
		&assignedTo,
		&auditID,
		&ev.CreatedAt,
		&ev.UpdatedAt,
		&cBy,
		&uBy,
	); err != nil {
		return security.SecurityEvent{}, err
	}
	ev.EventType = security.EventType(eventType)
	ev.Severity = security.Severity(severity)
	ev.InvestigationStatus = security.InvestigationStatus(status)
	ev.UserID, ev.IPAddress = userID.String, ip.String
	ev.ResolvedBy, ev.AssignedTo, ev.AuditLogID = resolvedBy.String, assignedTo.String, auditID.String
	ev.CreatedBy, ev.UpdatedBy = cBy.String, uBy.String
	ev.ResolvedAt = utils.TimePtr(resolvedAt)
	ev.CreatedAt, ev.UpdatedAt = ev.CreatedAt.UTC(), ev.UpdatedAt.UTC()

	m, err := utils.DecodeJSONMap(details)
	if err != nil {
		return security.SecurityEvent{}, err
	}
	ev.Details = m
	return ev, nil
}

func scanActivity(row rowScanner) (security.SuspiciousActivity, error) {
	var (
		a                        security.SuspiciousActivity
		activityType, riskLevel  string
		userID, ip, investigator sql.NullString
		investigatedAt           sql.NullTime
		pattern, related         []byte
	)
	if err := row.Scan(
		&a.ID,
		&a.TenantSchema,
		&activityType,
		&riskLevel,
		&userID,
		&ip,
		&a.UserAgent,
		&a.SessionKey,
		&pattern,
		&a.ConfidenceScore,
		&a.IsInvestigated,
		&investigator,
		&investigatedAt,
		&a.InvestigationNotes,
		&a.IsFalsePositive,
		&related,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return security.SuspiciousActivity{}, err
	}
	a.ActivityType = security.ActivityType(activityType)
	a.RiskLevel = security.Severity(riskLevel)
	a.UserID, a.IPAddress, a.InvestigatedBy = userID.String, ip.String, investigator.String
	a.InvestigatedAt = utils.TimePtr(investigatedAt)
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()

	m, err := utils.DecodeJSONMap(pattern)
	if err != nil {
		return security.SuspiciousActivity{}, err
	}
	a.PatternData = m
	if len(related) > 0 {
		if err := json.Unmarshal(related, &a.RelatedEventIDs); err != nil {
			return security.SuspiciousActivity{}, err
		}
	}
	return a, nil
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
