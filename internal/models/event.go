package models

import (
	"time"
)

// Field length bounds enforced on ingest. Messages are unbounded;
// everything else is a short identifier.
const (
	MaxSourceLen    = 255
	MaxServiceLen   = 255
	MaxHostLen      = 255
	MaxTraceIDLen   = 64
	MaxSpanIDLen    = 32
	MaxEventTypeLen = 100
	MaxErrorCodeLen = 50
)

// Event represents one raw journal record. Immutable after insert except
// for TemplateID, which is filled exactly once (by the live path or the
// safety net).
type Event struct {
	// ID is the monotonic 64-bit key assigned by the store at insert time
	ID int64 `json:"id" db:"id"`

	// Timestamp is the event instant with microsecond precision, UTC
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	// Source identifies the collection mechanism (e.g. "journal")
	Source string `json:"source,omitempty" db:"source"`

	// Service is the emitting unit/daemon name
	Service string `json:"service" db:"service"`

	// Host is the node the event originated from
	Host string `json:"host" db:"host"`

	// Level is the severity, from the closed enum
	Level LogLevel `json:"level" db:"level"`

	// Message is the raw log text, preserved byte-for-byte
	Message string `json:"message" db:"message"`

	// TraceID and SpanID are optional correlation fields
	TraceID string `json:"trace_id,omitempty" db:"trace_id"`
	SpanID  string `json:"span_id,omitempty" db:"span_id"`

	// EventType and ErrorCode are optional classification fields
	EventType string `json:"event_type,omitempty" db:"event_type"`
	ErrorCode string `json:"error_code,omitempty" db:"error_code"`

	// Meta is a free-form attribute bag, persisted as JSON and never
	// used by the core for routing
	Meta map[string]interface{} `json:"meta,omitempty" db:"-"`

	// LogHash is the 128-bit dedup fingerprint over
	// (timestamp, host, service, message)
	LogHash string `json:"log_hash,omitempty" db:"log_hash"`

	// TemplateID is the optional back-reference to a template.
	// Null when the live path failed to resolve one; the safety net
	// fills it later. Write-once.
	TemplateID *int64 `json:"template_id,omitempty" db:"template_id"`
}

// LogRecord is the wire shape of one event in an ingest submission:
// the Event fields minus the store-assigned ones (id, log_hash,
// template_id). Level and timestamp arrive as strings and are
// normalized by Normalize.
type LogRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source,omitempty"`
	Service   string                 `json:"service"`
	Host      string                 `json:"host"`
	Level     string                 `json:"level,omitempty"`
	Message   string                 `json:"message"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
	EventType string                 `json:"event_type,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// Normalize validates the record against the schema and returns the
// corresponding Event (without id/log_hash/template_id, which the
// pipeline assigns). now and maxSkew implement the clock-skew check:
// timestamps more than maxSkew in the future are rejected.
func (r *LogRecord) Normalize(now time.Time, maxSkew time.Duration) (*Event, error) {
	if r.Timestamp.IsZero() {
		return nil, NewValidationError("timestamp is required")
	}
	if r.Timestamp.After(now.Add(maxSkew)) {
		return nil, NewValidationError("timestamp %s is more than %s in the future", r.Timestamp.UTC().Format(time.RFC3339), maxSkew)
	}
	if r.Service == "" {
		return nil, NewValidationError("service is required")
	}
	if len(r.Service) > MaxServiceLen {
		return nil, NewValidationError("service exceeds %d characters", MaxServiceLen)
	}
	if r.Host == "" {
		return nil, NewValidationError("host is required")
	}
	if len(r.Host) > MaxHostLen {
		return nil, NewValidationError("host exceeds %d characters", MaxHostLen)
	}
	if r.Message == "" {
		return nil, NewValidationError("message is required")
	}
	if len(r.Source) > MaxSourceLen {
		return nil, NewValidationError("source exceeds %d characters", MaxSourceLen)
	}
	if len(r.TraceID) > MaxTraceIDLen {
		return nil, NewValidationError("trace_id exceeds %d characters", MaxTraceIDLen)
	}
	if len(r.SpanID) > MaxSpanIDLen {
		return nil, NewValidationError("span_id exceeds %d characters", MaxSpanIDLen)
	}
	if len(r.EventType) > MaxEventTypeLen {
		return nil, NewValidationError("event_type exceeds %d characters", MaxEventTypeLen)
	}
	if len(r.ErrorCode) > MaxErrorCodeLen {
		return nil, NewValidationError("error_code exceeds %d characters", MaxErrorCodeLen)
	}

	level, err := ParseLogLevel(r.Level)
	if err != nil {
		return nil, err
	}

	return &Event{
		Timestamp: r.Timestamp.UTC().Truncate(time.Microsecond),
		Source:    r.Source,
		Service:   r.Service,
		Host:      r.Host,
		Level:     level,
		Message:   r.Message,
		TraceID:   r.TraceID,
		SpanID:    r.SpanID,
		EventType: r.EventType,
		ErrorCode: r.ErrorCode,
		Meta:      r.Meta,
	}, nil
}
