package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signalwatch/model"
)

// ActivationStore persists per-tenant pack activations, satisfying
// detect.ActivationStore. Grounded on storage.SQLiteRuleStorage's
// flatten-to-JSON-column handling of nested rule metadata (Overrides
// here plays the same role tags/mitre_tactics play there).
type ActivationStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewActivationStore constructs an ActivationStore over db.
func NewActivationStore(db *sql.DB, logger *zap.SugaredLogger) *ActivationStore {
	return &ActivationStore{db: db, logger: logger}
}

// GetActivations returns every pack activation recorded for tenantID,
// enabled or not — detect.Evaluator filters by Enabled itself.
func (s *ActivationStore) GetActivations(ctx context.Context, tenantID string) ([]model.PackActivation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, pack_id, enabled, overrides, activated_at, updated_at
		FROM pack_activations
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query activations for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var out []model.PackActivation
	for rows.Next() {
		var a model.PackActivation
		var overridesRaw []byte
		if err := rows.Scan(&a.TenantID, &a.PackID, &a.Enabled, &overridesRaw, &a.ActivatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan activation row: %w", err)
		}
		if len(overridesRaw) > 0 {
			if err := json.Unmarshal(overridesRaw, &a.Overrides); err != nil {
				return nil, fmt.Errorf("unmarshal overrides for pack %s: %w", a.PackID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Upsert enables or updates a tenant's pack activation, including its
// per-rule overrides. Used by cmd/signalwatchctl's enable/disable and
// updateThresholds operations.
func (s *ActivationStore) Upsert(ctx context.Context, a model.PackActivation) error {
	overridesRaw, err := json.Marshal(a.Overrides)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}
	now := time.Now()
	if a.ActivatedAt.IsZero() {
		a.ActivatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pack_activations (tenant_id, pack_id, enabled, overrides, activated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, pack_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			overrides = EXCLUDED.overrides,
			updated_at = EXCLUDED.updated_at
	`, a.TenantID, a.PackID, a.Enabled, overridesRaw, a.ActivatedAt, now)
	if err != nil {
		return fmt.Errorf("upsert activation %s/%s: %w", a.TenantID, a.PackID, err)
	}
	return nil
}

// SetEnabled flips a pack's enabled flag for a tenant, inserting a
// default-overrides activation row if none exists yet.
func (s *ActivationStore) SetEnabled(ctx context.Context, tenantID, packID string, enabled bool) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pack_activations (tenant_id, pack_id, enabled, overrides, activated_at, updated_at)
		VALUES ($1, $2, $3, '{}', $4, $4)
		ON CONFLICT (tenant_id, pack_id) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
	`, tenantID, packID, enabled, now)
	if err != nil {
		return fmt.Errorf("set enabled %s/%s: %w", tenantID, packID, err)
	}
	return nil
}
