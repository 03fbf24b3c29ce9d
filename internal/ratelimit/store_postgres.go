package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"security-core/internal/security"
	"security-core/pkg/utils"

	"github.com/google/uuid"
)

// PostgresStore keeps counters in rate_limit_attempts. A hit locks its row
// with SELECT ... FOR UPDATE, so concurrent hits on one key serialize.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const counterColumns = `id, tenant_schema, identifier, limit_type, endpoint, attempts, window_start,
last_attempt, is_blocked, blocked_until, user_agent, details`

func (s *PostgresStore) Hit(ctx context.Context, h Hit) (Outcome, error) {
	var out Outcome
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Zero attempts marks the row as new for advance.
		if _, err := tx.ExecContext(ctx, `
INSERT INTO rate_limit_attempts (id, tenant_schema, identifier, limit_type, endpoint, attempts, window_start, last_attempt)
VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
ON CONFLICT (tenant_schema, identifier, limit_type, endpoint) DO NOTHING
`, uuid.NewString(), h.Tenant, h.Identifier, string(h.LimitType), h.Endpoint, h.Now); err != nil {
			return err
		}

		c, err := scanCounter(tx.QueryRowContext(ctx, `SELECT `+counterColumns+` FROM rate_limit_attempts
WHERE tenant_schema = $1 AND identifier = $2 AND limit_type = $3 AND endpoint = $4
FOR UPDATE`, h.Tenant, h.Identifier, string(h.LimitType), h.Endpoint))
		if err != nil {
			return err
		}

		out = advance(c, h)
		return s.update(ctx, tx, out.Counter)
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (s *PostgresStore) update(ctx context.Context, q utils.Querier, c security.RateLimitAttempt) error {
	details, err := utils.JSONValue(c.Details)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
UPDATE rate_limit_attempts
SET attempts = $2, window_start = $3, last_attempt = $4, is_blocked = $5, blocked_until = $6,
    user_agent = $7, details = $8
WHERE id = $1
`, c.ID, c.Attempts, c.WindowStart, c.LastAttempt, c.IsBlocked, utils.NullTime(c.BlockedUntil), c.UserAgent, details)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, k Key) (security.RateLimitAttempt, error) {
	c, err := scanCounter(s.db.QueryRowContext(ctx, `SELECT `+counterColumns+` FROM rate_limit_attempts
WHERE tenant_schema = $1 AND identifier = $2 AND limit_type = $3 AND endpoint = $4`,
		k.Tenant, k.Identifier, string(k.LimitType), k.Endpoint))
	if errors.Is(err, sql.ErrNoRows) {
		return security.RateLimitAttempt{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) ClearExpired(ctx context.Context, k Key, now time.Time) (security.RateLimitAttempt, error) {
	_, err := s.db.ExecContext(ctx, `
UPDATE rate_limit_attempts SET is_blocked = false, blocked_until = NULL
WHERE tenant_schema = $1 AND identifier = $2 AND limit_type = $3 AND endpoint = $4
  AND is_blocked AND (blocked_until IS NULL OR blocked_until <= $5)
`, k.Tenant, k.Identifier, string(k.LimitType), k.Endpoint, now)
	if err != nil {
		return security.RateLimitAttempt{}, err
	}
	return s.Get(ctx, k)
}

func (s *PostgresStore) Reset(ctx context.Context, k Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_attempts
WHERE tenant_schema = $1 AND identifier = $2 AND limit_type = $3 AND endpoint = $4`,
		k.Tenant, k.Identifier, string(k.LimitType), k.Endpoint)
	return err
}

// DeleteStale removes unblocked counters whose last attempt is before cutoff.
func (s *PostgresStore) DeleteStale(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_attempts
WHERE tenant_schema = $1 AND NOT is_blocked AND last_attempt < $2`, tenant, cutoff)
	if err != nil {
		return 0, err
	}
	return utils.RowsAffected(res), nil
}

func scanCounter(row *sql.Row) (security.RateLimitAttempt, error) {
	var (
		c            security.RateLimitAttempt
		limitType    string
		blockedUntil sql.NullTime
		userAgent    sql.NullString
		details      []byte
	)
	if err := row.Scan(&c.ID, &c.TenantSchema, &c.Identifier, &limitType, &c.Endpoint, &c.Attempts,
		&c.WindowStart, &c.LastAttempt, &c.IsBlocked, &blockedUntil, &userAgent, &details); err != nil {
		return security.RateLimitAttempt{}, err
	}
	c.LimitType = security.LimitType(limitType)
	c.WindowStart = c.WindowStart.UTC()
	c.LastAttempt = c.LastAttempt.UTC()
	c.BlockedUntil = utils.TimePtr(blockedUntil)
	c.UserAgent = userAgent.String
	d, err := utils.DecodeJSONMap(details)
	if err != nil {
		return security.RateLimitAttempt{}, err
	}
	c.Details = d
	return c, nil
}
