package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"signalwatch/model"
)

// IncidentStore persists Incidents, satisfying correlate.IncidentStore.
// AffectedServices (a Go set, map[string]struct{}) is stored as a JSON
// array of service names since Postgres has no native set column type.
type IncidentStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewIncidentStore constructs an IncidentStore over db.
func NewIncidentStore(db *sql.DB, logger *zap.SugaredLogger) *IncidentStore {
	return &IncidentStore{db: db, logger: logger}
}

// FindLatestByKey returns the most recently updated incident for the
// given correlation key, or nil if none exists. Terminal incidents are
// still returned: the correlator decides whether a terminal match counts
// as "none found".
func (s *IncidentStore) FindLatestByKey(ctx context.Context, tenantID, projectID, ruleFamily string) (*model.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, project_id, rule_family, status, severity, detection_count,
		       affected_services, assigned_to, notes, created_at, updated_at, resolved_at
		FROM incidents
		WHERE tenant_id = $1 AND project_id = $2 AND rule_family = $3
		ORDER BY updated_at DESC
		LIMIT 1
	`, tenantID, projectID, ruleFamily)

	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find incident %s/%s/%s: %w", tenantID, projectID, ruleFamily, err)
	}
	return inc, nil
}

// Save upserts an incident by id.
func (s *IncidentStore) Save(ctx context.Context, incident *model.Incident) error {
	services := make([]string, 0, len(incident.AffectedServices))
	for svc := range incident.AffectedServices {
		services = append(services, svc)
	}
	servicesRaw, err := json.Marshal(services)
	if err != nil {
		return fmt.Errorf("marshal affected services: %w", err)
	}

	var assignedTo, notes sql.NullString
	if incident.AssignedTo != "" {
		assignedTo = sql.NullString{String: incident.AssignedTo, Valid: true}
	}
	if incident.Notes != "" {
		notes = sql.NullString{String: incident.Notes, Valid: true}
	}
	var resolvedAt sql.NullTime
	if incident.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *incident.ResolvedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, tenant_id, project_id, rule_family, status, severity,
		                        detection_count, affected_services, assigned_to, notes,
		                        created_at, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			severity = EXCLUDED.severity,
			detection_count = EXCLUDED.detection_count,
			affected_services = EXCLUDED.affected_services,
			assigned_to = EXCLUDED.assigned_to,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at
	`, incident.ID, incident.TenantID, incident.ProjectID, incident.RuleFamily, incident.Status,
		incident.Severity, incident.DetectionCount, servicesRaw, assignedTo, notes,
		incident.CreatedAt, incident.UpdatedAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("save incident %s: %w", incident.ID, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanIncident(row scannable) (*model.Incident, error) {
	var inc model.Incident
	var servicesRaw []byte
	var assignedTo, notes sql.NullString
	var resolvedAt sql.NullTime

	if err := row.Scan(&inc.ID, &inc.TenantID, &inc.ProjectID, &inc.RuleFamily, &inc.Status, &inc.Severity,
		&inc.DetectionCount, &servicesRaw, &assignedTo, &notes, &inc.CreatedAt, &inc.UpdatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	inc.AssignedTo = assignedTo.String
	inc.Notes = notes.String
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.Time
	}

	if len(servicesRaw) > 0 {
		var services []string
		if err := json.Unmarshal(servicesRaw, &services); err != nil {
			return nil, fmt.Errorf("unmarshal affected services for incident %s: %w", inc.ID, err)
		}
		inc.AffectedServices = make(map[string]struct{}, len(services))
		for _, svc := range services {
			inc.AffectedServices[svc] = struct{}{}
		}
	}
	return &inc, nil
}
