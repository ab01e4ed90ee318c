// Package ingest implements the ingestion writer (component D): batch
// validation, atomic persistence, and best-effort publish/enqueue of the
// downstream streaming and detection fan-out.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"signalwatch/core"
	"signalwatch/metrics"
	"signalwatch/model"
	"signalwatch/notify"
	"signalwatch/queue"
)

const (
	minBatchSize = 1
	maxBatchSize = 1000

	// scanJobName is the job the writer enqueues after a successful
	// insert; the rule evaluator's worker registers as its processor.
	scanJobName = "detection-scan"

	// fanoutWorkers/fanoutQueueDepth size the bounded pool that runs
	// publish/enqueue off the ingestion response path. Per spec.md §9's
	// design notes: a bounded pool with drop-on-overflow, not an
	// unbounded goroutine per request.
	fanoutWorkers    = 8
	fanoutQueueDepth = 512

	// fanoutTimeout bounds each publish/enqueue task independently of
	// the request context that triggered it, per spec.md §4's "Enqueue
	// and publish operations must respect a bounded overall timeout
	// (recommended 5s)".
	fanoutTimeout = 5 * time.Second
)

// validateTraceContext checks trace_id/span_id, when present, against
// OTel's own ID format via go.opentelemetry.io/otel/trace rather than a
// hand-rolled hex regexp: exactly 32/16 hex characters and never the
// all-zero id, which TraceIDFromHex/SpanIDFromHex both reject.
func validateTraceContext(in model.LogInput) error {
	if in.SpanID != "" {
		if _, err := trace.SpanIDFromHex(in.SpanID); err != nil {
			return fmt.Errorf("span_id %q is not a valid OTel span id: %w", in.SpanID, err)
		}
	}
	if in.TraceID != "" {
		if _, err := trace.TraceIDFromHex(in.TraceID); err != nil {
			return fmt.Errorf("trace_id %q is not a valid OTel trace id: %w", in.TraceID, err)
		}
	}
	return nil
}

// ScanJobPayload is the payload carried by an enqueued detection-scan
// job, matching (tenant, project, ids) per spec.md §4.D.
type ScanJobPayload struct {
	TenantID  string   `json:"tenantId"`
	ProjectID string   `json:"projectId"`
	LogIDs    []string `json:"logIds"`
}

// ErrEmptyBatch and ErrOversizeBatch are returned by Write before any
// database or validator work happens.
var (
	ErrEmptyBatch    = fmt.Errorf("batch must contain at least %d log", minBatchSize)
	ErrOversizeBatch = fmt.Errorf("batch exceeds maximum size of %d logs", maxBatchSize)
)

// ValidationError wraps a validator/v10 failure with the index of the
// offending log within the batch, so callers can return field-level 400s.
type ValidationError struct {
	Index int
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("log %d: %v", e.Index, e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

// Writer validates, persists, and fans out one ingestion batch.
type Writer struct {
	db        *sql.DB
	validate  *validator.Validate
	publisher *notify.Publisher
	queue     queue.Queue
	logger    *zap.SugaredLogger
	fanout    *core.WorkerPool
}

// NewWriter constructs a Writer. queue is the detection-scan job queue
// (as returned by queue.Supervisor.Queue), publisher is the streaming
// notification publisher (component E). The fan-out pool backing
// publish/enqueue starts immediately: it is ingestion-local lifecycle,
// not something a caller can forget to start.
func NewWriter(db *sql.DB, publisher *notify.Publisher, q queue.Queue, logger *zap.SugaredLogger) *Writer {
	fanout := core.NewWorkerPool(context.Background(), "ingest-fanout", fanoutWorkers, fanoutQueueDepth, logger)
	fanout.Start()
	return &Writer{
		db:        db,
		validate:  validator.New(),
		publisher: publisher,
		queue:     q,
		logger:    logger,
		fanout:    fanout,
	}
}

// Close stops the fan-out pool, waiting for in-flight publish/enqueue
// tasks to finish (up to WorkerPool's own shutdown bound).
func (w *Writer) Close() {
	w.fanout.Stop()
}

// Write validates the batch, persists it atomically, and (best-effort)
// publishes a streaming notification and enqueues a detection-scan job.
// The returned ids are in input order and are only meaningful if err is
// nil.
func (w *Writer) Write(ctx context.Context, tenantID, projectID string, inputs []model.LogInput) ([]string, error) {
	if len(inputs) < minBatchSize {
		return nil, ErrEmptyBatch
	}
	if len(inputs) > maxBatchSize {
		return nil, ErrOversizeBatch
	}

	now := time.Now()
	records := make([]model.LogRecord, len(inputs))
	for i, in := range inputs {
		if err := w.validate.Struct(in); err != nil {
			return nil, &ValidationError{Index: i, Err: err}
		}
		if err := validateTraceContext(in); err != nil {
			return nil, &ValidationError{Index: i, Err: err}
		}
		records[i] = model.LogRecord{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			ProjectID:  projectID,
			Timestamp:  in.Timestamp,
			ReceivedAt: now,
			Service:    in.Service,
			Level:      in.Level,
			Message:    in.Message,
			Attributes: in.Attributes,
			TraceID:    in.TraceID,
			SpanID:     in.SpanID,
		}
	}

	ids, err := w.insertBatch(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	metrics.LogsIngested.WithLabelValues(tenantID).Add(float64(len(ids)))

	// Streaming and detection are best-effort and eventually consistent:
	// both run off the request path on the fan-out pool so a slow
	// publish/enqueue never amplifies ingestion latency. A saturated
	// pool drops the task (logged and counted) rather than blocking or
	// spawning an unbounded goroutine per request.
	w.submitFanout("publish", func() { w.publishBestEffort(projectID, ids) })
	w.submitFanout("enqueue", func() { w.enqueueBestEffort(tenantID, projectID, ids) })

	return ids, nil
}

// submitFanout hands task to the fan-out pool, logging and counting a
// drop if the pool's queue is full instead of blocking the caller.
func (w *Writer) submitFanout(kind string, task func()) {
	if err := w.fanout.Submit(task); err != nil {
		metrics.FanoutTasksDropped.WithLabelValues(kind).Inc()
		w.logger.Errorw("dropped best-effort task, fan-out pool saturated", "kind", kind, "error", err)
	}
}

// insertBatch persists records atomically with a single multi-row
// INSERT, mirroring the teacher's ordered-insert convention in
// storage/sqlite.go, and returns assigned ids in input order.
func (w *Writer) insertBatch(ctx context.Context, records []model.LogRecord) ([]string, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO logs (id, tenant_id, project_id, timestamp, received_at, service, level, message, attributes, trace_id, span_id) VALUES `
	args := make([]any, 0, len(records)*11)
	ids := make([]string, len(records))

	for i, r := range records {
		if i > 0 {
			query += ","
		}
		base := i * 11
		query += fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11)

		attrsJSON, err := marshalAttributes(r.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal attributes for log %d: %w", i, err)
		}

		args = append(args, r.ID, r.TenantID, r.ProjectID, r.Timestamp, r.ReceivedAt,
			r.Service, string(r.Level), r.Message, attrsJSON, nullableString(r.TraceID), nullableString(r.SpanID))
		ids[i] = r.ID
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("exec insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

func marshalAttributes(attrs map[string]model.Value) ([]byte, error) {
	if len(attrs) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(attrs)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// publishBestEffort and enqueueBestEffort run on the fan-out pool, each
// on its own context detached from the request that triggered them
// (the request's context may already be canceled by the time a queued
// fan-out task runs) and bounded by fanoutTimeout.
func (w *Writer) publishBestEffort(projectID string, ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()
	if err := w.publisher.PublishLogsNew(ctx, projectID, ids, time.Now()); err != nil {
		w.logger.Errorw("failed to publish logs_new notification", "project", projectID, "error", err)
	}
}

func (w *Writer) enqueueBestEffort(tenantID, projectID string, ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()
	payload := ScanJobPayload{TenantID: tenantID, ProjectID: projectID, LogIDs: ids}
	if _, err := w.queue.Add(ctx, scanJobName, payload, queue.AddOptions{MaxAttempts: 3}); err != nil {
		w.logger.Errorw("failed to enqueue detection-scan job", "tenant", tenantID, "project", projectID, "error", err)
	}
}
