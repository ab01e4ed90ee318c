package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalwatch/model"
)

func TestDetectionEventStoreSaveAndListByFingerprint(t *testing.T) {
	db := testDB(t)
	store := NewDetectionEventStore(db, zap.NewNop().Sugar())
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	fingerprint := "tenant-1:proj-1:failed-login-attempts"
	first := model.DetectionEvent{
		ID: uuid.NewString(), TenantID: "tenant-1", ProjectID: "proj-1", RuleID: "failed-login-attempts-1",
		LogID: "log-1", Severity: model.SeverityHigh, Timestamp: now, Excerpt: "login failed",
		Service: "api", Fingerprint: fingerprint,
	}
	second := first
	second.ID = uuid.NewString()
	second.LogID = "log-2"
	second.Timestamp = now.Add(time.Minute)

	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, second))

	events, err := store.ListByIncidentFingerprint(ctx, fingerprint)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, first.ID, events[0].ID)
	require.Equal(t, second.ID, events[1].ID)
}

func TestDetectionEventStoreListByFingerprintEmpty(t *testing.T) {
	db := testDB(t)
	store := NewDetectionEventStore(db, zap.NewNop().Sugar())

	events, err := store.ListByIncidentFingerprint(context.Background(), "no-such-fingerprint")
	require.NoError(t, err)
	require.Empty(t, events)
}
