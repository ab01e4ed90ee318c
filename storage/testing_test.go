package storage

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testDB opens a connection against SIGNALWATCH_TEST_DB_URL, runs every
// core migration, and truncates all tables so each test starts clean.
// Skipped when the env var isn't set, the same opt-in pattern
// queue/pgqueue_test.go and ingest/writer_test.go use, since migrations
// and row-level SQL have no faithful in-memory substitute.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("SIGNALWATCH_TEST_DB_URL")
	if dsn == "" {
		t.Skip("SIGNALWATCH_TEST_DB_URL not set, skipping postgres-backed storage test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop().Sugar()
	runner, err := NewMigrationRunner(db, logger)
	require.NoError(t, err)
	RegisterCoreMigrations(runner)
	require.NoError(t, runner.RunMigrations())

	for _, table := range []string{"incidents", "detection_events", "pack_activations", "logs", "jobs"} {
		_, err := db.Exec("TRUNCATE " + table)
		require.NoError(t, err)
	}
	return db
}
