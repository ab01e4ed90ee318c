package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalwatch/model"
)

func insertTestLog(t *testing.T, store *LogStore, id, tenantID, projectID string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	_, err := store.db.Exec(`
		INSERT INTO logs (id, tenant_id, project_id, timestamp, received_at, service, level, message, attributes, trace_id, span_id)
		VALUES ($1, $2, $3, $4, $4, 'api', 'info', 'hello', $5, NULL, NULL)
	`, id, tenantID, projectID, now, `{"category":"startup"}`)
	require.NoError(t, err)
}

func TestLogStoreGetByIDsScopesByTenantAndProject(t *testing.T) {
	db := testDB(t)
	store := NewLogStore(db, zap.NewNop().Sugar())

	insertTestLog(t, store, "log-1", "tenant-1", "proj-1")
	insertTestLog(t, store, "log-2", "tenant-2", "proj-1")

	got, err := store.GetByIDs(context.Background(), "tenant-1", "proj-1", []string{"log-1", "log-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "log-1", got[0].ID)
	require.Equal(t, model.String("startup"), got[0].Attributes["category"])
}

func TestLogStoreGetByIDsPreservesRequestedOrder(t *testing.T) {
	db := testDB(t)
	store := NewLogStore(db, zap.NewNop().Sugar())

	insertTestLog(t, store, "log-1", "tenant-1", "proj-1")
	insertTestLog(t, store, "log-2", "tenant-1", "proj-1")
	insertTestLog(t, store, "log-3", "tenant-1", "proj-1")

	got, err := store.GetByIDs(context.Background(), "tenant-1", "proj-1", []string{"log-3", "log-1", "log-2"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"log-3", "log-1", "log-2"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestLogStoreGetByIDsEmptyInput(t *testing.T) {
	db := testDB(t)
	store := NewLogStore(db, zap.NewNop().Sugar())

	got, err := store.GetByIDs(context.Background(), "tenant-1", "proj-1", nil)
	require.NoError(t, err)
	require.Empty(t, got)
}
