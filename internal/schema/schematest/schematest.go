// Package schematest opens the integration-test database.
package schematest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"security-core/internal/schema"
	"security-core/pkg/utils"
)

// EnvDSN names the variable holding the integration database DSN.
const EnvDSN = "POSTGRES_TEST_DSN"

// Open returns a migrated database, or skips t when EnvDSN is unset.
// Callers isolate their rows with a fresh tenant.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skip(EnvDSN + " not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := utils.OpenPostgres(ctx, dsn, utils.PostgresPoolConfig{MaxOpenConns: 20})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.Apply(ctx, db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db
}
