package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/migrations"
)

// testDB holds the database shared by every integration test.
type testDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
}

// globalDB is nil when no Postgres could be started; tests then skip.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	if _, err := exec.LookPath("docker"); err != nil && os.Getenv("CLINIC_TEST_DATABASE_URL") == "" {
		fmt.Fprintln(os.Stderr, "docker not found and CLINIC_TEST_DATABASE_URL unset; integration tests will skip")
		os.Exit(m.Run())
	}

	tdb, cleanup, err := setupPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres: %v\n", err)
		os.Exit(1)
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupPostgres connects to CLINIC_TEST_DATABASE_URL when set and otherwise
// starts a throwaway container.
func setupPostgres(ctx context.Context) (*testDB, func(), error) {
	connStr := os.Getenv("CLINIC_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("start postgres container: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	return &testDB{Pool: pool, ConnStr: connStr}, func() {
		pool.Close()
		cleanup()
	}, nil
}

// newClinic creates a migrated schema for one test and drops it afterwards.
func newClinic(t *testing.T, ctx context.Context, prefix string) string {
	t.Helper()
	if globalDB == nil {
		t.Skip("no postgres available")
	}
	clinicID := uniqueClinicID(prefix)
	if err := db.CreateTenantSchema(ctx, globalDB.Pool, clinicID, migrations.FS); err != nil {
		t.Fatalf("create clinic schema %s: %v", clinicID, err)
	}
	t.Cleanup(func() { dropClinicSchema(t, clinicID) })
	return clinicID
}

func dropClinicSchema(t *testing.T, clinicID string) {
	schema := db.SchemaName(clinicID)
	if _, err := globalDB.Pool.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schema, err)
	}
}

// withClinicConn acquires a connection bound to the clinic schema and hands
// it to fn through the context, the way the clinic middleware does.
func withClinicConn(ctx context.Context, pool *pgxpool.Pool, clinicID string, fn func(ctx context.Context) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", db.SchemaName(clinicID))); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	ctx = context.WithValue(ctx, db.DBConnKey, conn)
	return fn(ctx)
}

// execInClinic runs one statement inside the clinic schema.
func execInClinic(ctx context.Context, clinicID string, sql string, args ...any) error {
	return withClinicConn(ctx, globalDB.Pool, clinicID, func(ctx context.Context) error {
		_, err := db.ConnFromContext(ctx).Exec(ctx, sql, args...)
		return err
	})
}

func uniqueClinicID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.New().String()[:8], "-", ""))
}
