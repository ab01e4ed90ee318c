package model

import "time"

// LogRecord is one structured event ingested for a tenant/project. Once
// written it is immutable; ordering within a (tenant, project) pair is by
// Timestamp.
type LogRecord struct {
	ID         string             `json:"id"`
	TenantID   string             `json:"tenantId"`
	ProjectID  string             `json:"projectId"`
	Timestamp  time.Time          `json:"timestamp"`
	ReceivedAt time.Time          `json:"receivedAt"`
	Service    string             `json:"service"`
	Level      Level              `json:"level"`
	Message    string             `json:"message"`
	Attributes map[string]Value   `json:"attributes,omitempty"`
	TraceID    string             `json:"traceId,omitempty"`
	SpanID     string             `json:"spanId,omitempty"`
}

// Attribute looks up a top-level attribute by name. Returns the zero Value
// and false when the attribute is absent.
func (r LogRecord) Attribute(name string) (Value, bool) {
	if r.Attributes == nil {
		return Value{}, false
	}
	v, ok := r.Attributes[name]
	return v, ok
}

// Excerpt returns the first n characters of the log message, used by the
// rule evaluator to build a DetectionEvent excerpt.
func (r LogRecord) Excerpt(n int) string {
	msg := []rune(r.Message)
	if len(msg) <= n {
		return r.Message
	}
	return string(msg[:n])
}

// LogInput is the caller-supplied shape of one log in an ingestion batch,
// before an ID is assigned.
type LogInput struct {
	Timestamp  time.Time        `json:"timestamp" validate:"required"`
	Service    string           `json:"service" validate:"required,min=1,max=100"`
	Level      Level            `json:"level" validate:"required"`
	Message    string           `json:"message" validate:"required,min=1"`
	Attributes map[string]Value `json:"attributes,omitempty"`
	SpanID     string           `json:"spanId,omitempty" validate:"omitempty,hexadecimal,len=16"`
	TraceID    string           `json:"traceId,omitempty"`
}
