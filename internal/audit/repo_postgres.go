package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"security-core/internal/security"
	"security-core/pkg/utils"
)

// PostgresRepo stores entries in audit_logs (see internal/schema).
// Every statement filters on tenant_schema.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const auditColumns = `id, tenant_schema, user_id, action, model_name, object_id, object_repr,
changes, old_values, new_values, ip_address, user_agent, session_key, request_path, request_method,
details, security_event_id, created_at, checksum`

func (r *PostgresRepo) Append(ctx context.Context, e security.AuditLog) error {
	return InsertTx(ctx, r.db, e)
}

// InsertTx writes one entry through q, which may be a transaction shared
// with another insert.
func InsertTx(ctx context.Context, q utils.Querier, e security.AuditLog) error {
	changes, err := utils.JSONValue(e.Changes)
	if err != nil {
		return err
	}
	oldValues, err := utils.JSONValue(e.OldValues)
	if err != nil {
		return err
	}
	newValues, err := utils.JSONValue(e.NewValues)
	if err != nil {
		return err
	}
	details, err := utils.JSONValue(e.Details)
	if err != nil {
		return err
	}

	const stmt = `
INSERT INTO audit_logs (` + auditColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
`
	_, err = q.ExecContext(ctx, stmt,
		e.ID,
		e.TenantSchema,
		utils.NullString(e.UserID),
		string(e.Action),
		e.ModelName,
		e.ObjectID,
		e.ObjectRepr,
		changes,
		oldValues,
		newValues,
		utils.NullString(e.IPAddress),
		e.UserAgent,
		e.SessionKey,
		e.RequestPath,
		e.RequestMethod,
		details,
		utils.NullString(e.SecurityEventID),
		e.CreatedAt,
		e.Checksum,
	)
	if utils.IsUniqueViolation(err) {
		return fmt.Errorf("%w: audit entry %s", security.ErrDuplicate, e.ID)
	}
	return err
}

func (r *PostgresRepo) Get(ctx context.Context, tenant, id string) (security.AuditLog, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_logs WHERE tenant_schema = $1 AND id = $2`
	e, err := scanAudit(r.db.QueryRowContext(ctx, q, tenant, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return security.AuditLog{}, ErrNotFound
		}
		return security.AuditLog{}, err
	}
	return e, nil
}

func (r *PostgresRepo) List(ctx context.Context, tenant string, f Filter) ([]security.AuditLog, error) {
	where := []string{"tenant_schema = $1"}
	args := []any{tenant}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.ModelName != "" {
		add("model_name = $%d", f.ModelName)
	}
	if f.ObjectID != "" {
		add("object_id = $%d", f.ObjectID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	q := `SELECT ` + auditColumns + ` FROM audit_logs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]security.AuditLog, 0)
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteCreatedBefore removes entries older than cutoff for one tenant.
func (r *PostgresRepo) DeleteCreatedBefore(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM audit_logs WHERE tenant_schema = $1 AND created_at < $2`
	res, err := r.db.ExecContext(ctx, q, tenant, cutoff)
	if err != nil {
		return 0, err
	}
	return utils.RowsAffected(res), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAudit(row rowScanner) (security.AuditLog, error) {
	var (
		e                                      security.AuditLog
		userID, ip, eventID                    sql.NullString
		changes, oldValues, newValues, details []byte
		action                                 string
	)
	if err := row.Scan(
		&e.ID,
		&e.TenantSchema,
		&userID,
		&action,
		&e.ModelName,
		&e.ObjectID,
		&e.ObjectRepr,
		&changes,
		&oldValues,
		&newValues,
		&ip,
		&e.UserAgent,
		&e.SessionKey,
		&e.RequestPath,
		&e.RequestMethod,
		&details,
		&eventID,
		&e.CreatedAt,
		&e.Checksum,
	); err != nil {
		return security.AuditLog{}, err
	}
	e.UserID = userID.String
	e.IPAddress = ip.String
	e.SecurityEventID = eventID.String
	e.Action = security.AuditAction(action)
	e.CreatedAt = e.CreatedAt.UTC()

	var err error
	if e.Changes, err = utils.DecodeJSONMap(changes); err != nil {
		return security.AuditLog{}, err
	}
	if e.OldValues, err = utils.DecodeJSONMap(oldValues); err != nil {
		return security.AuditLog{}, err
	}
	if e.NewValues, err = utils.DecodeJSONMap(newValues); err != nil {
		return security.AuditLog{}, err
	}
	if e.Details, err = utils.DecodeJSONMap(details); err != nil {
		return security.AuditLog{}, err
	}
	return e, nil
}
