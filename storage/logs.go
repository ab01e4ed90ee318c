package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"signalwatch/model"
)

// LogStore reads back LogRecords previously written by ingest.Writer.
// The detection-scan worker uses GetByIDs to hydrate the log batch named
// in a ScanJobPayload before handing it to the rule evaluator.
type LogStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewLogStore constructs a LogStore over db.
func NewLogStore(db *sql.DB, logger *zap.SugaredLogger) *LogStore {
	return &LogStore{db: db, logger: logger}
}

// GetByIDs fetches the log records with the given ids, tenant- and
// project-scoped so a scan job can never read another tenant's logs even
// if an id were guessed or leaked. Results are reordered to match ids:
// spec.md §5 requires preserved order end-to-end through detection-event
// emission, and the evaluator iterates these logs inner-loop.
func (s *LogStore) GetByIDs(ctx context.Context, tenantID, projectID string, ids []string) ([]model.LogRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, project_id, timestamp, received_at, service, level,
		       message, attributes, trace_id, span_id
		FROM logs
		WHERE tenant_id = $1 AND project_id = $2 AND id = ANY($3)
	`, tenantID, projectID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query logs by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]model.LogRecord, len(ids))
	for rows.Next() {
		var rec model.LogRecord
		var attrsRaw []byte
		var traceID, spanID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.ProjectID, &rec.Timestamp, &rec.ReceivedAt,
			&rec.Service, &rec.Level, &rec.Message, &attrsRaw, &traceID, &spanID); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		rec.TraceID = traceID.String
		rec.SpanID = spanID.String
		if len(attrsRaw) > 0 {
			var raw map[string]any
			if err := json.Unmarshal(attrsRaw, &raw); err != nil {
				return nil, fmt.Errorf("unmarshal attributes for log %s: %w", rec.ID, err)
			}
			attrs := make(map[string]model.Value, len(raw))
			for k, v := range raw {
				attrs[k] = model.FromAny(v)
			}
			rec.Attributes = attrs
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.LogRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}
