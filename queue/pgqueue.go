package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"signalwatch/core"
	"signalwatch/metrics"
)

// maxDequeuesPerSecond caps how fast drainOnce may issue dequeue
// transactions against the jobs table. Without this, a large backlog
// plus a fast poll interval turns drainOnce's tight loop into a
// `SELECT ... FOR UPDATE SKIP LOCKED` hammer on the one table every
// other queue operation also touches.
const maxDequeuesPerSecond = 50

// PGQueue is the in-database queue backend (component B, first variant):
// a dedicated jobs table polled with `SELECT ... FOR UPDATE SKIP LOCKED`.
// One PGQueue handles both Queue.Add and the Worker's poll loop for a
// single job name, mirroring the teacher's one-struct-per-concern style
// (e.g. storage.SQLite owning both its schema and its pool).
type PGQueue struct {
	db           *sql.DB
	jobName      string
	pollInterval time.Duration
	logger       *zap.SugaredLogger

	pool    *core.WorkerPool
	limiter *rate.Limiter

	mu        sync.Mutex
	onComplete []func(*Job)
	onFailed   []func(*Job, error)
	onError    []func(error)

	processor ProcessFunc
	stopPoll  context.CancelFunc
	wg        sync.WaitGroup
}

// NewPGQueue constructs a queue/worker pair bound to one job name over an
// existing *sql.DB whose schema already includes the jobs table (created
// by the migration runner in package storage).
func NewPGQueue(db *sql.DB, jobName string, concurrency int, pollInterval time.Duration, logger *zap.SugaredLogger) *PGQueue {
	return &PGQueue{
		db:           db,
		jobName:      jobName,
		pollInterval: pollInterval,
		logger:       logger,
		pool:         core.NewWorkerPool(context.Background(), "pgqueue-"+jobName, concurrency, concurrency*2, logger),
		limiter:      rate.NewLimiter(rate.Limit(maxDequeuesPerSecond), 1),
	}
}

// Add inserts a new job row. Deduplication is enforced with an upsert
// against a partial unique index on (job_name, dedup_key) for live
// (unlocked) rows; see storage migrations.
func (q *PGQueue) Add(ctx context.Context, jobName string, payload any, opts AddOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	runAt := time.Now().Add(opts.Delay)
	id := uuid.NewString()

	var dedupKey sql.NullString
	if opts.DeduplicationKey != "" {
		dedupKey = sql.NullString{String: opts.DeduplicationKey, Valid: true}
	}

	row := q.db.QueryRowContext(ctx, `
		INSERT INTO jobs (id, job_name, payload, run_at, attempts, max_attempts, priority, dedup_key, locked_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, NULL)
		ON CONFLICT (job_name, dedup_key) WHERE dedup_key IS NOT NULL AND locked_at IS NULL
		DO UPDATE SET job_name = EXCLUDED.job_name
		RETURNING id, attempts, max_attempts, priority, run_at
	`, id, jobName, raw, runAt, maxAttempts, opts.Priority, dedupKey)

	var gotID string
	var attempts, gotMax, priority int
	var gotRunAt time.Time
	if err := row.Scan(&gotID, &attempts, &gotMax, &priority, &gotRunAt); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", jobName, err)
	}

	metrics.JobsEnqueued.WithLabelValues(jobName, "in-db").Inc()

	return &Job{
		ID:          gotID,
		Name:        jobName,
		Payload:     raw,
		Attempts:    attempts,
		MaxAttempts: gotMax,
		Priority:    priority,
		RunAt:       gotRunAt,
		Key:         opts.DeduplicationKey,
	}, nil
}

// Status reports the uniform {waiting, active, completed, failed} shape.
// completed is always 0: completed rows are deleted, so there is nothing
// left in the table to count (operators should instead read the
// signalwatch_jobs_completed_total Prometheus counter).
func (q *PGQueue) Status(ctx context.Context) (Status, error) {
	var s Status
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE locked_at IS NULL AND run_at <= now()),
			COUNT(*) FILTER (WHERE locked_at IS NOT NULL),
			COUNT(*) FILTER (WHERE attempts >= max_attempts)
		FROM jobs WHERE job_name = $1
	`, q.jobName).Scan(&s.Waiting, &s.Active, &s.Failed)
	if err != nil {
		return Status{}, fmt.Errorf("query job status: %w", err)
	}
	return s, nil
}

func (q *PGQueue) Close() error {
	q.Stop()
	return nil
}

// OnCompleted, OnFailed, OnError register Worker event callbacks.
func (q *PGQueue) OnCompleted(fn func(*Job)) { q.mu.Lock(); q.onComplete = append(q.onComplete, fn); q.mu.Unlock() }
func (q *PGQueue) OnFailed(fn func(*Job, error)) {
	q.mu.Lock()
	q.onFailed = append(q.onFailed, fn)
	q.mu.Unlock()
}
func (q *PGQueue) OnError(fn func(error)) { q.mu.Lock(); q.onError = append(q.onError, fn); q.mu.Unlock() }

// SetProcessor registers the single processor this worker dispatches
// dequeued jobs to. Repeated calls replace the processor; the supervisor
// is responsible for ignoring a second registration on a cached worker,
// per the Job Abstraction's contract.
func (q *PGQueue) SetProcessor(fn ProcessFunc) { q.processor = fn }

// Start launches the polling loop.
func (q *PGQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopPoll != nil {
		return nil
	}
	if q.processor == nil {
		return errors.New("pgqueue: no processor registered")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	q.stopPoll = cancel
	q.pool.Start()

	q.wg.Add(1)
	go q.pollLoop(pollCtx)
	return nil
}

func (q *PGQueue) Stop() {
	if q.stopPoll != nil {
		q.stopPoll()
	}
	q.wg.Wait()
	q.pool.Stop()
}

func (q *PGQueue) pollLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainOnce(ctx)
		}
	}
}

// drainOnce dequeues and submits as many ready jobs as fit in the worker
// pool's queue in one poll tick.
func (q *PGQueue) drainOnce(ctx context.Context) {
	for {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
		job, err := q.dequeue(ctx)
		if err != nil {
			q.emitError(err)
			return
		}
		if job == nil {
			return
		}
		j := job
		if err := q.pool.Submit(func() { q.runJob(ctx, j) }); err != nil {
			// pool is saturated; release the lock so another poll picks it up
			q.release(ctx, j.ID)
			return
		}
	}
}

// dequeue claims the next eligible job with SELECT ... FOR UPDATE SKIP
// LOCKED, ordered by (priority, run_at), exactly as spec.md §4.B
// describes.
func (q *PGQueue) dequeue(ctx context.Context) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer tx.Rollback()

	var j Job
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload, attempts, max_attempts, priority, run_at
		FROM jobs
		WHERE job_name = $1 AND locked_at IS NULL AND run_at <= now()
		  AND attempts < max_attempts
		ORDER BY priority, run_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, q.jobName).Scan(&j.ID, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.Priority, &j.RunAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	j.Name = q.jobName

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET locked_at = now() WHERE id = $1`, j.ID); err != nil {
		return nil, fmt.Errorf("lock job %s: %w", j.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return &j, nil
}

func (q *PGQueue) runJob(ctx context.Context, j *Job) {
	err := q.processor(ctx, j)
	if err == nil {
		q.complete(ctx, j)
		return
	}
	q.fail(ctx, j, err)
}

// complete deletes the row on success, matching the spec's "completed
// counter is not maintained (rows are deleted)".
func (q *PGQueue) complete(ctx context.Context, j *Job) {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, j.ID); err != nil {
		q.emitError(fmt.Errorf("delete completed job %s: %w", j.ID, err))
		return
	}
	metrics.JobsCompleted.WithLabelValues(j.Name, "in-db").Inc()
	q.emitCompleted(j)
}

// fail clears the lock, increments attempts, and pushes run_at out by a
// backend-defined backoff, unless attempts are exhausted, in which case
// the row is left in place (attempts >= max_attempts) and reported as
// failed but never replayed.
func (q *PGQueue) fail(ctx context.Context, j *Job, cause error) {
	j.Attempts++
	if j.Attempts >= j.MaxAttempts {
		if _, err := q.db.ExecContext(ctx, `UPDATE jobs SET attempts = $2, locked_at = NULL, dedup_key = NULL WHERE id = $1`, j.ID, j.Attempts); err != nil {
			q.emitError(fmt.Errorf("mark job %s exhausted: %w", j.ID, err))
		}
		metrics.JobsFailed.WithLabelValues(j.Name, "in-db").Inc()
		q.emitFailed(j, cause)
		return
	}
	backoff := core.DefaultListenerBackoff(0).Delay(j.Attempts)
	if _, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET attempts = $2, locked_at = NULL, run_at = now() + ($3 || ' milliseconds')::interval
		WHERE id = $1
	`, j.ID, j.Attempts, backoff.Milliseconds()); err != nil {
		q.emitError(fmt.Errorf("reschedule job %s: %w", j.ID, err))
	}
}

func (q *PGQueue) release(ctx context.Context, id string) {
	if _, err := q.db.ExecContext(ctx, `UPDATE jobs SET locked_at = NULL WHERE id = $1`, id); err != nil {
		q.emitError(fmt.Errorf("release job %s: %w", id, err))
	}
}

func (q *PGQueue) emitCompleted(j *Job) {
	q.mu.Lock()
	cbs := append([]func(*Job){}, q.onComplete...)
	q.mu.Unlock()
	for _, cb := range cbs {
		cb(j)
	}
}

func (q *PGQueue) emitFailed(j *Job, err error) {
	q.mu.Lock()
	cbs := append([]func(*Job, error){}, q.onFailed...)
	q.mu.Unlock()
	for _, cb := range cbs {
		cb(j, err)
	}
}

func (q *PGQueue) emitError(err error) {
	q.logger.Errorw("pgqueue error", "job_name", q.jobName, "error", err)
	q.mu.Lock()
	cbs := append([]func(error){}, q.onError...)
	q.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}
