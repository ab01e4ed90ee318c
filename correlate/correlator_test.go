package correlate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalwatch/model"
)

type fakeIncidentStore struct {
	byKey map[string]*model.Incident
}

func newFakeIncidentStore() *fakeIncidentStore {
	return &fakeIncidentStore{byKey: make(map[string]*model.Incident)}
}

func keyFor(tenantID, projectID, ruleFamily string) string {
	return tenantID + "/" + projectID + "/" + ruleFamily
}

func (s *fakeIncidentStore) FindLatestByKey(ctx context.Context, tenantID, projectID, ruleFamily string) (*model.Incident, error) {
	return s.byKey[keyFor(tenantID, projectID, ruleFamily)], nil
}

func (s *fakeIncidentStore) Save(ctx context.Context, incident *model.Incident) error {
	s.byKey[keyFor(incident.TenantID, incident.ProjectID, incident.RuleFamily)] = incident
	return nil
}

func testEvent(severity model.Severity, service string) model.DetectionEvent {
	return model.DetectionEvent{
		TenantID: "tenant-1", ProjectID: "proj-1", RuleID: "failed-login-attempts-1",
		Severity: severity, Service: service, Timestamp: time.Now(),
	}
}

func TestCorrelatorOpensNewIncidentWhenNoneExists(t *testing.T) {
	store := newFakeIncidentStore()
	c := NewCorrelator(store, zap.NewNop().Sugar())

	inc, err := c.Correlate(context.Background(), testEvent(model.SeverityMedium, "api"), "failed-login-attempts")
	require.NoError(t, err)
	require.Equal(t, model.IncidentOpen, inc.Status)
	require.Equal(t, 1, inc.DetectionCount)
	require.Contains(t, inc.AffectedServices, "api")
}

func TestCorrelatorAppendsWithinWindow(t *testing.T) {
	store := newFakeIncidentStore()
	c := NewCorrelator(store, zap.NewNop().Sugar())
	base := time.Now()
	c.now = func() time.Time { return base }

	first, err := c.Correlate(context.Background(), testEvent(model.SeverityMedium, "api"), "failed-login-attempts")
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(5 * time.Minute) }
	second, err := c.Correlate(context.Background(), testEvent(model.SeverityHigh, "worker"), "failed-login-attempts")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, second.DetectionCount)
	require.Equal(t, model.SeverityHigh, second.Severity, "severity should lift to max")
	require.Contains(t, second.AffectedServices, "api")
	require.Contains(t, second.AffectedServices, "worker")
}

func TestCorrelatorOpensNewIncidentOutsideWindow(t *testing.T) {
	store := newFakeIncidentStore()
	c := NewCorrelator(store, zap.NewNop().Sugar())
	base := time.Now()
	c.now = func() time.Time { return base }

	first, err := c.Correlate(context.Background(), testEvent(model.SeverityMedium, "api"), "failed-login-attempts")
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(16 * time.Minute) }
	second, err := c.Correlate(context.Background(), testEvent(model.SeverityMedium, "api"), "failed-login-attempts")
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 1, second.DetectionCount)
}

func TestCorrelatorOpensFreshIncidentWhenExistingIsTerminal(t *testing.T) {
	store := newFakeIncidentStore()
	c := NewCorrelator(store, zap.NewNop().Sugar())
	base := time.Now()
	c.now = func() time.Time { return base }

	first, err := c.Correlate(context.Background(), testEvent(model.SeverityMedium, "api"), "failed-login-attempts")
	require.NoError(t, err)

	require.NoError(t, first.TransitionTo(model.IncidentResolved, base))
	require.NoError(t, store.Save(context.Background(), first))

	c.now = func() time.Time { return base.Add(1 * time.Minute) }
	second, err := c.Correlate(context.Background(), testEvent(model.SeverityMedium, "api"), "failed-login-attempts")
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, model.IncidentOpen, second.Status)
}

func TestCorrelatorKeyIncludesRuleFamilyNotInstance(t *testing.T) {
	store := newFakeIncidentStore()
	c := NewCorrelator(store, zap.NewNop().Sugar())

	first, err := c.Correlate(context.Background(), testEvent(model.SeverityMedium, "api"), "failed-login-attempts")
	require.NoError(t, err)

	ev2 := testEvent(model.SeverityMedium, "api")
	ev2.RuleID = "failed-login-attempts-2"
	second, err := c.Correlate(context.Background(), ev2, "failed-login-attempts")
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "different rule instance in the same family should correlate together")
}
