package queue

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// PGQueue talks to a real jobs table via FOR UPDATE SKIP LOCKED, which
// has no faithful in-memory substitute (sqlmock can't emulate row
// locking semantics). These tests run against SIGNALWATCH_TEST_DB_URL
// when set and are skipped otherwise, the same opt-in pattern the
// teacher's storage package uses for its integration suite.
func testPGDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("SIGNALWATCH_TEST_DB_URL")
	if dsn == "" {
		t.Skip("SIGNALWATCH_TEST_DB_URL not set, skipping postgres-backed queue test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_name TEXT NOT NULL,
			payload JSONB NOT NULL,
			run_at TIMESTAMPTZ NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 3,
			priority INT NOT NULL DEFAULT 0,
			dedup_key TEXT,
			locked_at TIMESTAMPTZ
		)
	`)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS jobs_dedup_live_idx
		ON jobs (job_name, dedup_key) WHERE dedup_key IS NOT NULL AND locked_at IS NULL
	`)
	require.NoError(t, err)
	_, err = db.Exec(`TRUNCATE jobs`)
	require.NoError(t, err)
	return db
}

func TestPGQueueAddAndStatus(t *testing.T) {
	db := testPGDB(t)
	logger := zap.NewNop().Sugar()
	q := NewPGQueue(db, "alerts", 2, 10*time.Millisecond, logger)
	ctx := context.Background()

	job, err := q.Add(ctx, "alerts", map[string]string{"hello": "world"}, AddOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Waiting)
}

func TestPGQueueProcessesAndDeletesOnSuccess(t *testing.T) {
	db := testPGDB(t)
	logger := zap.NewNop().Sugar()
	q := NewPGQueue(db, "alerts", 2, 10*time.Millisecond, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completed := make(chan *Job, 1)
	q.OnCompleted(func(j *Job) { completed <- j })
	q.SetProcessor(func(ctx context.Context, job *Job) error { return nil })

	require.NoError(t, q.Start(ctx))
	defer q.Stop()

	_, err := q.Add(ctx, "alerts", "payload", AddOptions{})
	require.NoError(t, err)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not completed in time")
	}

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM jobs`).Scan(&count))
	require.Equal(t, 0, count, "completed job rows are deleted, not archived")
}

func TestPGQueueDeduplication(t *testing.T) {
	db := testPGDB(t)
	logger := zap.NewNop().Sugar()
	q := NewPGQueue(db, "alerts", 2, 10*time.Millisecond, logger)
	ctx := context.Background()

	first, err := q.Add(ctx, "alerts", "a", AddOptions{DeduplicationKey: "incident-1"})
	require.NoError(t, err)
	second, err := q.Add(ctx, "alerts", "b", AddOptions{DeduplicationKey: "incident-1"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
}
