package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"signalwatch/config"
)

// Supervisor is the process-wide owner of the job abstraction's
// connections and backend instances (component C). It is grounded on
// bootstrap.App's component-cache-and-phased-shutdown idiom: lazily
// created components are cached by name, and shutdown tears the cache
// down in dependency order (workers, then queues, then connections).
type Supervisor struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	started  bool
	db       *sql.DB
	redis    *redis.Client
	queues   map[string]Queue
	workers  map[string]workerHandle
}

// workerHandle pairs a started Worker with the queue instance it shares
// a connection with, so shutdown can stop them in the right order.
type workerHandle struct {
	worker Worker
	queue  Queue
}

// NewSupervisor constructs a Supervisor bound to cfg. No connections are
// opened until Start is called.
func NewSupervisor(cfg *config.Config, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		queues:  make(map[string]Queue),
		workers: make(map[string]workerHandle),
	}
}

// Start opens the backend connection (Postgres or Redis, per
// cfg.QueueBackend) if it hasn't been opened yet. Calling Start more than
// once is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	switch s.cfg.QueueBackend {
	case config.QueueBackendInDB:
		db, err := sql.Open("postgres", s.cfg.DBURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(s.cfg.DBPoolSize)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		s.db = db
	case config.QueueBackendKVStore:
		opts, err := redis.ParseURL(s.cfg.KVURL)
		if err != nil {
			return fmt.Errorf("parse kv_url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("ping redis: %w", err)
		}
		s.redis = client
	default:
		return fmt.Errorf("unknown queue backend %q", s.cfg.QueueBackend)
	}

	s.started = true
	return nil
}

// Queue returns the cached Queue for name, creating one bound to the
// active backend on first request. Requesting the same name again
// returns the cached instance.
func (s *Supervisor) Queue(name string) (Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, fmt.Errorf("supervisor not started")
	}
	if q, ok := s.queues[name]; ok {
		return q, nil
	}

	q, err := s.newBackend(name)
	if err != nil {
		return nil, err
	}
	s.queues[name] = q
	return q, nil
}

// Worker returns the cached Worker for name, creating (and starting) one
// on first request with processor registered. On a cached hit, processor
// is ignored: the first caller to request a worker for a given name owns
// its processor for the process's lifetime. The worker is the same
// instance Queue returns for name.
func (s *Supervisor) Worker(ctx context.Context, name string, processor ProcessFunc) (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, fmt.Errorf("supervisor not started")
	}
	if h, ok := s.workers[name]; ok {
		return h.worker, nil
	}

	q, ok := s.queues[name]
	if !ok {
		var err error
		q, err = s.newBackend(name)
		if err != nil {
			return nil, err
		}
		s.queues[name] = q
	}

	var worker Worker
	switch backend := q.(type) {
	case *PGQueue:
		backend.SetProcessor(processor)
		worker = backend
	case *RedisQueue:
		backend.SetProcessor(processor)
		worker = backend
	default:
		return nil, fmt.Errorf("backend %T does not implement Worker", q)
	}
	if err := worker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", name, err)
	}
	s.workers[name] = workerHandle{worker: worker, queue: q}
	return worker, nil
}

// newBackend constructs (but does not start) a backend instance for
// name, per the currently active connection.
func (s *Supervisor) newBackend(name string) (Queue, error) {
	pollInterval := s.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	switch s.cfg.QueueBackend {
	case config.QueueBackendInDB:
		return NewPGQueue(s.db, name, s.cfg.WorkerConcurrency, pollInterval, s.logger), nil
	case config.QueueBackendKVStore:
		return NewRedisQueue(s.redis, name, s.cfg.WorkerConcurrency, pollInterval, s.logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", s.cfg.QueueBackend)
	}
}

// Status reports the aggregate status for every queue created so far,
// keyed by job name.
func (s *Supervisor) Status(ctx context.Context) (map[string]Status, error) {
	s.mu.Lock()
	queues := make(map[string]Queue, len(s.queues))
	for name, q := range s.queues {
		queues[name] = q
	}
	s.mu.Unlock()

	out := make(map[string]Status, len(queues))
	for name, q := range queues {
		st, err := q.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("status for %s: %w", name, err)
		}
		out[name] = st
	}
	return out, nil
}

// Shutdown stops workers first, then closes queues, then closes the
// underlying connection, clearing every cache. Safe to call more than
// once, and safe to call when Start was never called.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, h := range s.workers {
		h.worker.Stop()
		delete(s.workers, name)
	}
	for name, q := range s.queues {
		if err := q.Close(); err != nil {
			s.logger.Errorw("error closing queue", "queue", name, "error", err)
		}
		delete(s.queues, name)
	}

	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if s.redis != nil {
		if cerr := s.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.redis = nil
	}
	s.started = false
	return err
}
