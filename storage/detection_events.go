package storage

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"signalwatch/model"
)

// DetectionEventStore persists the append-only DetectionEvent stream the
// rule evaluator emits, independent of incident correlation — this is
// the audit trail an operator replays when investigating an incident.
type DetectionEventStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewDetectionEventStore constructs a DetectionEventStore over db.
func NewDetectionEventStore(db *sql.DB, logger *zap.SugaredLogger) *DetectionEventStore {
	return &DetectionEventStore{db: db, logger: logger}
}

// Save inserts a detection event. Events are immutable once written.
func (s *DetectionEventStore) Save(ctx context.Context, ev model.DetectionEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detection_events (id, tenant_id, project_id, rule_id, log_id, severity,
		                               timestamp, excerpt, service, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.ID, ev.TenantID, ev.ProjectID, ev.RuleID, ev.LogID, ev.Severity,
		ev.Timestamp, ev.Excerpt, ev.Service, ev.Fingerprint)
	if err != nil {
		return fmt.Errorf("save detection event %s: %w", ev.ID, err)
	}
	return nil
}

// ListByIncidentFingerprint returns every detection event that shares
// fingerprint, oldest first, for an incident's event timeline.
func (s *DetectionEventStore) ListByIncidentFingerprint(ctx context.Context, fingerprint string) ([]model.DetectionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, project_id, rule_id, log_id, severity, timestamp, excerpt, service, fingerprint
		FROM detection_events
		WHERE fingerprint = $1
		ORDER BY timestamp ASC
	`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("list detection events for fingerprint %s: %w", fingerprint, err)
	}
	defer rows.Close()

	var out []model.DetectionEvent
	for rows.Next() {
		var ev model.DetectionEvent
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.ProjectID, &ev.RuleID, &ev.LogID, &ev.Severity,
			&ev.Timestamp, &ev.Excerpt, &ev.Service, &ev.Fingerprint); err != nil {
			return nil, fmt.Errorf("scan detection event row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
