package storage

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunMigrationsIsIdempotent(t *testing.T) {
	db := testDB(t)
	logger := zap.NewNop().Sugar()

	runner, err := NewMigrationRunner(db, logger)
	require.NoError(t, err)
	RegisterCoreMigrations(runner)
	require.NoError(t, runner.RunMigrations())

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM schema_migrations`).Scan(&count))
	require.Equal(t, 5, count)
}

func TestRunMigrationsSkipsAlreadyApplied(t *testing.T) {
	db := testDB(t)
	logger := zap.NewNop().Sugar()

	applied := 0
	newRunnerWithCounter := func() *MigrationRunner {
		runner, err := NewMigrationRunner(db, logger)
		require.NoError(t, err)
		RegisterCoreMigrations(runner)
		runner.Register(Migration{
			Version: "9999", Name: "count_applications",
			Up: func(tx *sql.Tx) error {
				applied++
				return nil
			},
		})
		return runner
	}

	require.NoError(t, newRunnerWithCounter().RunMigrations())
	require.NoError(t, newRunnerWithCounter().RunMigrations())
	require.Equal(t, 1, applied, "migration 9999 must only run once across repeated RunMigrations calls")
}
