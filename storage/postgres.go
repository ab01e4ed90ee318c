// Package storage holds the Postgres-backed persistence layer: a pooled
// connection, a versioned migration runner, and one file per entity
// (logs, detection events, incidents, pack activations) implementing the
// storage interfaces the pipeline packages consume.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Postgres holds the single pooled connection signalwatch uses for both
// reads and writes. The teacher splits SQLite into separate read/write
// pools to work around WAL's single-writer constraint; Postgres has no
// such constraint, so one pool suffices here (grounded on the simpler
// pooling half of storage.NewSQLite, minus the WAL-specific split).
type Postgres struct {
	DB     *sql.DB
	Logger *zap.SugaredLogger
}

// NewPostgres opens and pings a connection pool against dsn, sized by
// poolSize, and runs all registered migrations before returning.
func NewPostgres(dsn string, poolSize int, logger *zap.SugaredLogger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	pg := &Postgres{DB: db, Logger: logger}

	runner, err := NewMigrationRunner(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migration runner: %w", err)
	}
	RegisterCoreMigrations(runner)
	if err := runner.RunMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Infow("postgres connection pool ready", "pool_size", poolSize)
	return pg, nil
}

// WithTransaction runs fn inside a transaction, rolling back on error or
// panic and committing otherwise. Grounded on storage.SQLite.
// WithTransaction's rollback-on-panic idiom.
func (p *Postgres) WithTransaction(fn func(*sql.Tx) error) (err error) {
	tx, err := p.DB.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	return p.DB.Close()
}
