package ingest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalwatch/model"
	"signalwatch/notify"
	"signalwatch/queue"
)

func TestWriteRejectsEmptyBatch(t *testing.T) {
	w := NewWriter(nil, nil, nil, zap.NewNop().Sugar())
	_, err := w.Write(context.Background(), "tenant-1", "proj-1", nil)
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestWriteRejectsOversizeBatch(t *testing.T) {
	w := NewWriter(nil, nil, nil, zap.NewNop().Sugar())
	inputs := make([]model.LogInput, maxBatchSize+1)
	_, err := w.Write(context.Background(), "tenant-1", "proj-1", inputs)
	require.ErrorIs(t, err, ErrOversizeBatch)
}

func TestWriteRejectsInvalidLog(t *testing.T) {
	w := NewWriter(nil, nil, nil, zap.NewNop().Sugar())
	inputs := []model.LogInput{
		{Timestamp: time.Now(), Service: "api", Level: model.LevelInfo, Message: "ok"},
		{Timestamp: time.Now(), Service: "", Level: model.LevelInfo, Message: "missing service"},
	}
	_, err := w.Write(context.Background(), "tenant-1", "proj-1", inputs)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, 1, ve.Index)
}

func TestWriteRejectsMalformedSpanID(t *testing.T) {
	w := NewWriter(nil, nil, nil, zap.NewNop().Sugar())
	inputs := []model.LogInput{
		{Timestamp: time.Now(), Service: "api", Level: model.LevelInfo, Message: "ok", SpanID: "not-hex"},
	}
	_, err := w.Write(context.Background(), "tenant-1", "proj-1", inputs)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestWriteRejectsMalformedTraceID(t *testing.T) {
	w := NewWriter(nil, nil, nil, zap.NewNop().Sugar())
	inputs := []model.LogInput{
		{Timestamp: time.Now(), Service: "api", Level: model.LevelInfo, Message: "ok", TraceID: "too-short"},
	}
	_, err := w.Write(context.Background(), "tenant-1", "proj-1", inputs)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestSubmitFanoutDoesNotBlockWhenPoolSaturated(t *testing.T) {
	w := NewWriter(nil, nil, nil, zap.NewNop().Sugar())
	defer w.Close()

	block := make(chan struct{})
	defer close(block)

	for i := 0; i < fanoutWorkers+fanoutQueueDepth; i++ {
		_ = w.fanout.Submit(func() { <-block })
	}

	done := make(chan struct{})
	go func() {
		w.submitFanout("test", func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitFanout blocked on a saturated pool instead of dropping")
	}
}

func TestValidateTraceContextAcceptsValidOTelIDs(t *testing.T) {
	err := validateTraceContext(model.LogInput{
		TraceID: "0af7651916cd43dd8448eb211c80319c",
		SpanID:  "b7ad6b7169203331",
	})
	require.NoError(t, err)
}

func TestValidateTraceContextRejectsAllZeroTraceID(t *testing.T) {
	err := validateTraceContext(model.LogInput{TraceID: "00000000000000000000000000000000"})
	require.Error(t, err)
}

// A batch's persistence, publish, and enqueue wiring goes through a real
// Postgres connection (multi-row INSERT, pg_notify, a jobs table) with no
// faithful in-memory substitute, so that path is covered as an opt-in
// integration test gated on SIGNALWATCH_TEST_DB_URL.
func TestWritePersistsAndReturnsIDsInOrder(t *testing.T) {
	dsn := os.Getenv("SIGNALWATCH_TEST_DB_URL")
	if dsn == "" {
		t.Skip("SIGNALWATCH_TEST_DB_URL not set, skipping postgres-backed writer test")
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS logs (
			id TEXT PRIMARY KEY, tenant_id TEXT NOT NULL, project_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL, received_at TIMESTAMPTZ NOT NULL,
			service TEXT NOT NULL, level TEXT NOT NULL, message TEXT NOT NULL,
			attributes JSONB, trace_id TEXT, span_id TEXT
		)
	`)
	require.NoError(t, err)
	_, err = db.Exec(`TRUNCATE logs`)
	require.NoError(t, err)

	logger := zap.NewNop().Sugar()
	pub := notify.NewPublisher(db, "logs_new", logger)
	w := NewWriter(db, pub, noopQueue{}, logger)
	defer w.Close()

	inputs := []model.LogInput{
		{Timestamp: time.Now(), Service: "api", Level: model.LevelInfo, Message: "first"},
		{Timestamp: time.Now(), Service: "api", Level: model.LevelWarn, Message: "second"},
	}
	ids, err := w.Write(context.Background(), "tenant-1", "proj-1", inputs)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM logs WHERE id = ANY($1)`, pq.Array(ids)).Scan(&count))
	require.Equal(t, 2, count)
}

type noopQueue struct{}

func (noopQueue) Add(ctx context.Context, jobName string, payload any, opts queue.AddOptions) (*queue.Job, error) {
	return &queue.Job{Name: jobName}, nil
}
func (noopQueue) Status(ctx context.Context) (queue.Status, error) { return queue.Status{}, nil }
func (noopQueue) Close() error                                     { return nil }
