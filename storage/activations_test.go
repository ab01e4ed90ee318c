package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalwatch/model"
)

func TestActivationStoreUpsertAndGet(t *testing.T) {
	db := testDB(t)
	store := NewActivationStore(db, zap.NewNop().Sugar())
	ctx := context.Background()

	err := store.Upsert(ctx, model.PackActivation{
		TenantID: "tenant-1", PackID: "auth-security", Enabled: true,
		Overrides: map[string]model.RuleOverride{
			"failed-login-attempts": {Level: model.SeverityCritical},
		},
	})
	require.NoError(t, err)

	got, err := store.GetActivations(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Enabled)
	require.Equal(t, model.SeverityCritical, got[0].Overrides["failed-login-attempts"].Level)
}

func TestActivationStoreSetEnabledTogglesWithoutOverrides(t *testing.T) {
	db := testDB(t)
	store := NewActivationStore(db, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, store.SetEnabled(ctx, "tenant-1", "database-health", true))
	got, err := store.GetActivations(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].Enabled)

	require.NoError(t, store.SetEnabled(ctx, "tenant-1", "database-health", false))
	got, err = store.GetActivations(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.False(t, got[0].Enabled)
}

func TestActivationStoreTenantIsolation(t *testing.T) {
	db := testDB(t)
	store := NewActivationStore(db, zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, model.PackActivation{TenantID: "tenant-1", PackID: "auth-security", Enabled: true}))
	require.NoError(t, store.Upsert(ctx, model.PackActivation{TenantID: "tenant-2", PackID: "auth-security", Enabled: true}))

	got, err := store.GetActivations(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "tenant-1", got[0].TenantID)
}
