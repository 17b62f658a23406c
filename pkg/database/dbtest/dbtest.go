// Package dbtest provides isolated Postgres pools for integration tests.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aura-webinar/engagement/pkg/database"
)

// Pool connects to TEST_DATABASE_URL, creates a throwaway schema, applies the
// embedded DDL inside it and drops it on cleanup. The test is skipped when the
// variable is unset.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	admin, err := database.NewPostgresPool(ctx, dsn, database.PoolOptions{MaxConns: 2}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA %s`, schema)); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	pool, err := database.NewPostgresPool(ctx, dsn+sep+"search_path="+schema, database.PoolOptions{MaxConns: 20}, zap.NewNop())
	if err != nil {
		admin.Close()
		t.Fatalf("connect to schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA %s CASCADE`, schema))
		admin.Close()
	})

	if err := database.EnsureSchema(ctx, pool, zap.NewNop()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return pool
}
