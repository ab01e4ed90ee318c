package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Migration is one versioned, checksummed schema change. Grounded on
// storage.Migration in the teacher, trimmed to the fields signalwatch
// actually uses: there is no Down half here, since nothing in this
// pipeline performs a live rollback outside of operator-run SQL.
type Migration struct {
	Version  string
	Name     string
	Up       func(*sql.Tx) error
	Checksum string
}

// MigrationRunner applies registered migrations once each, tracked by a
// schema_migrations table, in version order. Grounded on
// storage.MigrationRunner.
type MigrationRunner struct {
	db         *sql.DB
	logger     *zap.SugaredLogger
	migrations []Migration
}

// NewMigrationRunner constructs a runner and ensures its bookkeeping
// table exists.
func NewMigrationRunner(db *sql.DB, logger *zap.SugaredLogger) (*MigrationRunner, error) {
	r := &MigrationRunner{db: db, logger: logger}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations table: %w", err)
	}
	return r, nil
}

// Register adds a migration, computing its checksum if unset.
func (r *MigrationRunner) Register(m Migration) {
	if m.Checksum == "" {
		sum := sha256.Sum256([]byte(m.Version + ":" + m.Name))
		m.Checksum = hex.EncodeToString(sum[:8])
	}
	r.migrations = append(r.migrations, m)
}

func (r *MigrationRunner) appliedVersions() (map[string]bool, error) {
	rows, err := r.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// RunMigrations applies every registered migration not already recorded
// as applied, in version order, each inside its own transaction.
func (r *MigrationRunner) RunMigrations() error {
	applied, err := r.appliedVersions()
	if err != nil {
		return err
	}

	pending := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	if len(pending) == 0 {
		r.logger.Debug("no pending migrations")
		return nil
	}
	r.logger.Infow("running pending migrations", "count", len(pending))

	for _, m := range pending {
		if err := r.runOne(m); err != nil {
			return fmt.Errorf("migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func (r *MigrationRunner) runOne(m Migration) (err error) {
	start := time.Now()
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("up: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)
	`, m.Version, m.Name, m.Checksum); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.logger.Infow("migration applied", "version", m.Version, "name", m.Name, "duration", time.Since(start))
	return nil
}

// RegisterCoreMigrations registers every schema change the signalwatch
// pipeline needs, in version order. Table shapes mirror what
// queue.PGQueue and ingest.Writer already assume over SQL (jobs, logs),
// plus the tables the detection/correlation layers need that no other
// package owns (detection_events, incidents, pack_activations).
func RegisterCoreMigrations(r *MigrationRunner) {
	r.Register(Migration{
		Version: "0001", Name: "create_jobs_table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
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
			`); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				CREATE UNIQUE INDEX IF NOT EXISTS jobs_dedup_live_idx
				ON jobs (job_name, dedup_key) WHERE dedup_key IS NOT NULL AND locked_at IS NULL
			`); err != nil {
				return err
			}
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS jobs_poll_idx ON jobs (job_name, run_at) WHERE locked_at IS NULL`)
			return err
		},
	})

	r.Register(Migration{
		Version: "0002", Name: "create_logs_table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS logs (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					project_id TEXT NOT NULL,
					timestamp TIMESTAMPTZ NOT NULL,
					received_at TIMESTAMPTZ NOT NULL,
					service TEXT NOT NULL,
					level TEXT NOT NULL,
					message TEXT NOT NULL,
					attributes JSONB,
					trace_id TEXT,
					span_id TEXT
				)
			`); err != nil {
				return err
			}
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS logs_tenant_project_ts_idx ON logs (tenant_id, project_id, timestamp DESC)`)
			return err
		},
	})

	r.Register(Migration{
		Version: "0003", Name: "create_pack_activations_table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS pack_activations (
					tenant_id TEXT NOT NULL,
					pack_id TEXT NOT NULL,
					enabled BOOLEAN NOT NULL DEFAULT true,
					overrides JSONB,
					activated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					PRIMARY KEY (tenant_id, pack_id)
				)
			`)
			return err
		},
	})

	r.Register(Migration{
		Version: "0004", Name: "create_detection_events_table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS detection_events (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					project_id TEXT NOT NULL,
					rule_id TEXT NOT NULL,
					log_id TEXT NOT NULL,
					severity TEXT NOT NULL,
					timestamp TIMESTAMPTZ NOT NULL,
					excerpt TEXT NOT NULL,
					service TEXT NOT NULL,
					fingerprint TEXT NOT NULL
				)
			`); err != nil {
				return err
			}
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS detection_events_fingerprint_idx ON detection_events (fingerprint, timestamp DESC)`)
			return err
		},
	})

	r.Register(Migration{
		Version: "0005", Name: "create_incidents_table",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS incidents (
					id TEXT PRIMARY KEY,
					tenant_id TEXT NOT NULL,
					project_id TEXT NOT NULL,
					rule_family TEXT NOT NULL,
					status TEXT NOT NULL,
					severity TEXT NOT NULL,
					detection_count INT NOT NULL DEFAULT 1,
					affected_services JSONB NOT NULL DEFAULT '[]',
					assigned_to TEXT,
					notes TEXT,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					resolved_at TIMESTAMPTZ
				)
			`); err != nil {
				return err
			}
			_, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS incidents_correlation_key_idx
				ON incidents (tenant_id, project_id, rule_family, updated_at DESC)
			`)
			return err
		},
	})
}
