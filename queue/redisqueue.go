package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"signalwatch/core"
	"signalwatch/metrics"
)

// redisJobRecord is the JSON shape stored per job in Redis, keyed by id
// under "<prefix>:job:<id>".
type redisJobRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Priority    int             `json:"priority"`
	RunAt       time.Time       `json:"run_at"`
	Key         string          `json:"key,omitempty"`
}

// RedisQueue is the external key/value-store queue backend (component B,
// second variant). Ready jobs live in a sorted set scored by run_at-as-
// unix-millis (so ZRANGEBYSCORE naturally yields due work); the job
// bodies live in individual string keys; an "active" set tracks claimed
// ids so Status can report them separately from waiting ones.
//
// Grounded on core.RedisCache's client-construction idiom (the teacher
// only uses Redis as a cache, never a queue, so the polling and
// dequeue-claim logic below is a novel adaptation built for this
// backend, not a literal port).
type RedisQueue struct {
	client  *redis.Client
	jobName string
	prefix  string

	pollInterval time.Duration
	logger       *zap.SugaredLogger
	backoff      core.ReconnectBackoff

	pool *core.WorkerPool

	mu         sync.Mutex
	onComplete []func(*Job)
	onFailed   []func(*Job, error)
	onError    []func(error)

	processor ProcessFunc
	stopPoll  context.CancelFunc
	wg        sync.WaitGroup
}

// NewRedisQueue constructs a queue/worker pair bound to one job name over
// an existing Redis client.
func NewRedisQueue(client *redis.Client, jobName string, concurrency int, pollInterval time.Duration, logger *zap.SugaredLogger) *RedisQueue {
	return &RedisQueue{
		client:       client,
		jobName:      jobName,
		prefix:       "signalwatch:queue:" + jobName,
		pollInterval: pollInterval,
		logger:       logger,
		backoff:      core.DefaultListenerBackoff(0),
		pool:         core.NewWorkerPool(context.Background(), "redisqueue-"+jobName, concurrency, concurrency*2, logger),
	}
}

// completedRetention and failedRetention are the age/count bounds spec.md
// §4.B mandates for the external key-value backend: completed jobs are
// pruned by age (1h) and count (100); failed jobs by 24h/50.
const (
	completedRetentionAge   = time.Hour
	completedRetentionCount = 100
	failedRetentionAge      = 24 * time.Hour
	failedRetentionCount    = 50
)

func (q *RedisQueue) readyKey() string     { return q.prefix + ":ready" }
func (q *RedisQueue) activeKey() string    { return q.prefix + ":active" }
func (q *RedisQueue) completedKey() string { return q.prefix + ":completed" }
func (q *RedisQueue) failedKey() string    { return q.prefix + ":failed" }
func (q *RedisQueue) dedupKey(k string) string { return q.prefix + ":dedup:" + k }
func (q *RedisQueue) jobKey(id string) string  { return q.prefix + ":job:" + id }

// Add enqueues a job. A live dedup key points at the job id it already
// claimed, via a SETNX so concurrent Add calls race safely.
func (q *RedisQueue) Add(ctx context.Context, jobName string, payload any, opts AddOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	id := uuid.NewString()
	if opts.DeduplicationKey != "" {
		ok, err := q.client.SetNX(ctx, q.dedupKey(opts.DeduplicationKey), id, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if !ok {
			existingID, err := q.client.Get(ctx, q.dedupKey(opts.DeduplicationKey)).Result()
			if err != nil {
				return nil, fmt.Errorf("dedup lookup: %w", err)
			}
			existing, err := q.loadJob(ctx, existingID)
			if err != nil {
				return nil, err
			}
			return existing, nil
		}
	}

	runAt := time.Now().Add(opts.Delay)
	rec := redisJobRecord{
		ID:          id,
		Name:        jobName,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		Priority:    opts.Priority,
		RunAt:       runAt,
		Key:         opts.DeduplicationKey,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal job record: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(id), encoded, 0)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", jobName, err)
	}

	metrics.JobsEnqueued.WithLabelValues(jobName, "kv-store").Inc()
	return recordToJob(rec), nil
}

func (q *RedisQueue) loadJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, q.jobKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var rec redisJobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return recordToJob(rec), nil
}

func recordToJob(rec redisJobRecord) *Job {
	return &Job{
		ID:          rec.ID,
		Name:        rec.Name,
		Payload:     rec.Payload,
		Attempts:    rec.Attempts,
		MaxAttempts: rec.MaxAttempts,
		Priority:    rec.Priority,
		RunAt:       rec.RunAt,
		Key:         rec.Key,
	}
}

// Status reports {waiting, active, completed, failed}. completed/failed
// count the retained-by-age-and-count archive sorted sets, matching the
// in-DB backend's "failed = attempts >= max_attempts" shape with the
// same uniform meaning: jobs the caller can still see evidence of.
func (q *RedisQueue) Status(ctx context.Context) (Status, error) {
	now := float64(time.Now().UnixMilli())
	waiting, err := q.client.ZCount(ctx, q.readyKey(), "-inf", fmt.Sprintf("%f", now)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("count waiting: %w", err)
	}
	active, err := q.client.SCard(ctx, q.activeKey()).Result()
	if err != nil {
		return Status{}, fmt.Errorf("count active: %w", err)
	}
	completed, err := q.client.ZCard(ctx, q.completedKey()).Result()
	if err != nil {
		return Status{}, fmt.Errorf("count completed: %w", err)
	}
	failed, err := q.client.ZCard(ctx, q.failedKey()).Result()
	if err != nil {
		return Status{}, fmt.Errorf("count failed: %w", err)
	}
	return Status{Waiting: int(waiting), Active: int(active), Completed: int(completed), Failed: int(failed)}, nil
}

func (q *RedisQueue) Close() error {
	q.Stop()
	return nil
}

func (q *RedisQueue) OnCompleted(fn func(*Job)) {
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}
func (q *RedisQueue) OnFailed(fn func(*Job, error)) {
	q.mu.Lock()
	q.onFailed = append(q.onFailed, fn)
	q.mu.Unlock()
}
func (q *RedisQueue) OnError(fn func(error)) {
	q.mu.Lock()
	q.onError = append(q.onError, fn)
	q.mu.Unlock()
}

func (q *RedisQueue) SetProcessor(fn ProcessFunc) { q.processor = fn }

func (q *RedisQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopPoll != nil {
		return nil
	}
	if q.processor == nil {
		return errors.New("redisqueue: no processor registered")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	q.stopPoll = cancel
	q.pool.Start()

	q.wg.Add(1)
	go q.pollLoop(pollCtx)
	return nil
}

func (q *RedisQueue) Stop() {
	if q.stopPoll != nil {
		q.stopPoll()
	}
	q.wg.Wait()
	q.pool.Stop()
}

func (q *RedisQueue) pollLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.drainOnce(ctx); err != nil {
				if core.IsTransient(err) {
					attempt++
					delay := q.backoff.Delay(attempt)
					q.emitError(fmt.Errorf("transient redis error, backing off %s: %w", delay, err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(delay):
					}
					continue
				}
				q.emitError(err)
			}
			attempt = 0
		}
	}
}

// drainOnce claims due ids out of the sorted set one at a time:
// ZRANGEBYSCORE reads the earliest due id and ZREM claims it, and only
// the poller whose ZREM actually removes the id processes it, so
// concurrent pollers (multiple process instances) never double-claim.
// Each claimed id moves to the active set for the duration of processing.
func (q *RedisQueue) drainOnce(ctx context.Context) error {
	for {
		now := float64(time.Now().UnixMilli())
		ids, err := q.client.ZRangeByScore(ctx, q.readyKey(), &redis.ZRangeBy{
			Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 1,
		}).Result()
		if err != nil {
			return fmt.Errorf("scan ready set: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		id := ids[0]

		removed, err := q.client.ZRem(ctx, q.readyKey(), id).Result()
		if err != nil {
			return fmt.Errorf("claim job %s: %w", id, err)
		}
		if removed == 0 {
			// another poller claimed it first
			continue
		}
		if err := q.client.SAdd(ctx, q.activeKey(), id).Err(); err != nil {
			return fmt.Errorf("mark job %s active: %w", id, err)
		}

		job, err := q.loadJob(ctx, id)
		if err != nil {
			return err
		}
		j := job
		if err := q.pool.Submit(func() { q.runJob(ctx, j) }); err != nil {
			q.requeue(ctx, j)
			return nil
		}
	}
}

func (q *RedisQueue) runJob(ctx context.Context, j *Job) {
	err := q.processor(ctx, j)
	if err == nil {
		q.complete(ctx, j)
		return
	}
	q.fail(ctx, j, err)
}

// complete moves the job body out of live storage and into the
// completed archive sorted set, scored by completion time, then prunes
// that set down to the spec's age/count retention bounds.
func (q *RedisQueue) complete(ctx context.Context, j *Job) {
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.jobKey(j.ID))
	pipe.SRem(ctx, q.activeKey(), j.ID)
	pipe.ZAdd(ctx, q.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
	if j.Key != "" {
		pipe.Del(ctx, q.dedupKey(j.Key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.emitError(fmt.Errorf("archive completed job %s: %w", j.ID, err))
		return
	}
	q.pruneRetained(ctx, q.completedKey(), completedRetentionAge, completedRetentionCount)

	metrics.JobsCompleted.WithLabelValues(j.Name, "kv-store").Inc()
	q.emitCompleted(j)
}

// fail increments attempts and, once exhausted, archives the job id into
// the failed sorted set (scored by failure time) instead of just
// unmarking it active, so Status can report a non-zero Failed count the
// same way the in-DB backend's attempts >= max_attempts rows do.
func (q *RedisQueue) fail(ctx context.Context, j *Job, cause error) {
	j.Attempts++
	if j.Attempts >= j.MaxAttempts {
		now := time.Now()
		pipe := q.client.TxPipeline()
		pipe.SRem(ctx, q.activeKey(), j.ID)
		pipe.ZAdd(ctx, q.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: j.ID})
		if j.Key != "" {
			pipe.Del(ctx, q.dedupKey(j.Key))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			q.emitError(fmt.Errorf("archive failed job %s: %w", j.ID, err))
		}
		q.pruneRetained(ctx, q.failedKey(), failedRetentionAge, failedRetentionCount)

		metrics.JobsFailed.WithLabelValues(j.Name, "kv-store").Inc()
		q.emitFailed(j, cause)
		return
	}
	j.RunAt = time.Now().Add(q.backoff.Delay(j.Attempts))
	q.requeue(ctx, j)
}

// pruneRetained trims key (a sorted set scored by event-unix-millis) down
// to maxAge and maxCount: anything older than maxAge is dropped, then
// anything beyond the maxCount most recent entries is dropped too.
func (q *RedisQueue) pruneRetained(ctx context.Context, key string, maxAge time.Duration, maxCount int64) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	if err := q.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		q.emitError(fmt.Errorf("prune %s by age: %w", key, err))
	}
	count, err := q.client.ZCard(ctx, key).Result()
	if err != nil {
		q.emitError(fmt.Errorf("count %s for pruning: %w", key, err))
		return
	}
	if count <= maxCount {
		return
	}
	if err := q.client.ZRemRangeByRank(ctx, key, 0, count-maxCount-1).Err(); err != nil {
		q.emitError(fmt.Errorf("prune %s by count: %w", key, err))
	}
}

// requeue rewrites the job record with its updated attempt count/run_at,
// moves it back into the ready set, and clears the active marker.
func (q *RedisQueue) requeue(ctx context.Context, j *Job) {
	rec := redisJobRecord{
		ID: j.ID, Name: j.Name, Payload: j.Payload, Attempts: j.Attempts,
		MaxAttempts: j.MaxAttempts, Priority: j.Priority, RunAt: j.RunAt, Key: j.Key,
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		q.emitError(fmt.Errorf("marshal requeued job %s: %w", j.ID, err))
		return
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(j.ID), encoded, 0)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(j.RunAt.UnixMilli()), Member: j.ID})
	pipe.SRem(ctx, q.activeKey(), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.emitError(fmt.Errorf("requeue job %s: %w", j.ID, err))
	}
}

func (q *RedisQueue) emitCompleted(j *Job) {
	q.mu.Lock()
	cbs := append([]func(*Job){}, q.onComplete...)
	q.mu.Unlock()
	for _, cb := range cbs {
		cb(j)
	}
}

func (q *RedisQueue) emitFailed(j *Job, err error) {
	q.mu.Lock()
	cbs := append([]func(*Job, error){}, q.onFailed...)
	q.mu.Unlock()
	for _, cb := range cbs {
		cb(j, err)
	}
}

func (q *RedisQueue) emitError(err error) {
	q.logger.Errorw("redisqueue error", "job_name", q.jobName, "error", err)
	q.mu.Lock()
	cbs := append([]func(error){}, q.onError...)
	q.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}
