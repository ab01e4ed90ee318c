package model

import "time"

// DetectionEvent is a single, append-only rule-match occurrence tied to
// exactly one LogRecord.
type DetectionEvent struct {
	ID          string
	TenantID    string
	ProjectID   string
	RuleID      string
	LogID       string
	Severity    Severity
	Timestamp   time.Time
	Excerpt     string
	Service     string
	Fingerprint string
}
