package directory

import (
	"context"
	"database/sql"
	"errors"

	"security-core/internal/security"
)

// PostgresDirectory reads the users table owned by the auth subsystem.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory { return &PostgresDirectory{db: db} }

func (d *PostgresDirectory) Lookup(ctx context.Context, tenant, id string) (User, error) {
	if tenant == "" {
		return User{}, security.ErrTenantRequired
	}
	var (
		u     User
		email sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `SELECT id, username, email FROM users WHERE tenant_schema = $1 AND id = $2`, tenant, id).
		Scan(&u.ID, &u.Username, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Email = email.String
	return u, nil
}
