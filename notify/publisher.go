// Package notify implements the streaming notification publisher
// (component E) and the LISTEN-based notification listener (component
// F) that together fan newly-ingested logs out to live subscribers.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"signalwatch/metrics"
)

const (
	// payloadChunkThresholdBytes is the publisher's safety margin under
	// the primary store's ~8KB NOTIFY payload cap.
	payloadChunkThresholdBytes = 7900
	// bytesPerIDEstimate is the per-id budget used to decide how many
	// ids fit in one chunk before the JSON envelope is actually built.
	bytesPerIDEstimate = 40
)

// logsNewPayload is the wire shape of one published message.
type logsNewPayload struct {
	ProjectID string   `json:"projectId"`
	LogIDs    []string `json:"logIds"`
	Timestamp int64    `json:"timestamp"`
}

// Publisher emits logs_new notifications on the configured channel via
// the primary store's pg_notify, splitting oversize id batches into
// contiguous chunks that preserve input order.
type Publisher struct {
	db      *sql.DB
	channel string
	logger  *zap.SugaredLogger
}

// NewPublisher constructs a Publisher bound to channel (spec default
// "logs_new").
func NewPublisher(db *sql.DB, channel string, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{db: db, channel: channel, logger: logger}
}

// PublishLogsNew emits one or more logs_new messages covering ids, each
// respecting the payload size cap. Failures are caught and logged; this
// method never returns a non-nil error, mirroring the teacher's
// Notifier.NotifySystemAlert per-channel try/log/continue loop, so
// callers can safely ignore the return value (kept only so tests can
// assert on it without a sentinel).
func (p *Publisher) PublishLogsNew(ctx context.Context, projectID string, ids []string, timestamp time.Time) error {
	for _, chunk := range chunkIDs(ids, bytesPerIDEstimate, payloadChunkThresholdBytes) {
		payload := logsNewPayload{ProjectID: projectID, LogIDs: chunk, Timestamp: timestamp.UnixMilli()}
		encoded, err := json.Marshal(payload)
		if err != nil {
			p.logger.Errorw("failed to marshal logs_new payload", "project", projectID, "error", err)
			continue
		}
		if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(encoded)); err != nil {
			p.logger.Errorw("failed to publish logs_new notification", "project", projectID, "error", err, "chunk_size", len(chunk))
			continue
		}
		metrics.NotificationsPublished.WithLabelValues(projectID).Inc()
	}
	return nil
}

// chunkIDs splits ids into contiguous slices whose estimated encoded
// size (len(ids)*bytesPerID plus a fixed envelope allowance) stays under
// thresholdBytes, preserving order. A single id that would alone exceed
// the threshold still gets its own chunk (estimation is advisory, not
// enforced against the real encoded size).
func chunkIDs(ids []string, bytesPerID, thresholdBytes int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	const envelopeAllowance = 64
	maxPerChunk := (thresholdBytes - envelopeAllowance) / bytesPerID
	if maxPerChunk < 1 {
		maxPerChunk = 1
	}

	var chunks [][]string
	for start := 0; start < len(ids); start += maxPerChunk {
		end := start + maxPerChunk
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
