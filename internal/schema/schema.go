// Package schema carries the Postgres DDL for every table the repositories use.
package schema

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"

	"security-core/pkg/utils"
)

//go:embed schema.sql
var DDL string

// Statements splits DDL into single statements, dropping comments.
func Statements() []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, line := range strings.Split(DDL, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	return out
}

// Apply creates missing tables and indexes in one transaction.
// Every statement is idempotent. Concurrent callers serialize on an
// advisory lock so parallel boots do not race on CREATE ... IF NOT EXISTS.
func Apply(ctx context.Context, db *sql.DB) error {
	return utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('security-core.schema'))`); err != nil {
			return err
		}
		for _, stmt := range Statements() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
