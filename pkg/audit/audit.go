// Package audit provides append-only audit recording for the pipeline.
//
// Every state transition an issue goes through (detected, scheduled,
// dispatched, channel failure, resolved) is documented by a Record. The
// Recorder interface can be backed by the console (zerolog), a JSONL file,
// or SQLite. Recording is best-effort by contract: the Fallback wrapper
// guarantees a failed write never blocks or rolls back the transition it
// documents.
package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/metrics"
)

// EventType identifies the pipeline transition a record documents.
type EventType string

const (
	EventDetected         EventType = "DETECTED"
	EventScheduled        EventType = "SCHEDULED"
	EventDispatched       EventType = "DISPATCHED"
	EventChannelFailed    EventType = "CHANNEL_FAILED"
	EventResolved         EventType = "RESOLVED"
	EventMalformedFinding EventType = "MALFORMED_FINDING"
	EventPolicyMissing    EventType = "POLICY_MISSING"
	EventMonitorError     EventType = "MONITOR_ERROR"
	EventShutdownDropped  EventType = "SHUTDOWN_DROPPED"
)

// Record is a single audit log entry. Never mutated after creation.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event"`
	IssueID   string    `json:"issueId,omitempty"`
	DedupKey  string    `json:"dedupKey,omitempty"`
	Source    string    `json:"source,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	State     string    `json:"state,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// NewRecord stamps a record with an ID and timestamp.
func NewRecord(event EventType) Record {
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: event,
	}
}

// Recorder defines the interface for audit backends.
type Recorder interface {
	// Append persists a record.
	Append(record Record) error

	// Close releases any resources held by the recorder.
	Close() error
}

// ConsoleRecorder implements Recorder by writing to zerolog.
type ConsoleRecorder struct{}

// NewConsoleRecorder creates a console-backed recorder.
func NewConsoleRecorder() *ConsoleRecorder {
	return &ConsoleRecorder{}
}

// Append logs the record at info level.
func (c *ConsoleRecorder) Append(record Record) error {
	log.Info().
		Str("auditId", record.ID).
		Str("event", string(record.EventType)).
		Str("issueId", record.IssueID).
		Str("dedupKey", record.DedupKey).
		Str("severity", record.Severity).
		Str("state", record.State).
		Str("details", record.Details).
		Msg("Audit event")
	return nil
}

// Close is a no-op for the console recorder.
func (c *ConsoleRecorder) Close() error { return nil }

// Fallback wraps a Recorder so that Append never returns an error. Failed
// writes are logged to the operator log and counted, which satisfies the
// pipeline contract that auditing can never halt a transition.
type Fallback struct {
	inner Recorder
}

// NewFallback wraps inner with the never-fail contract.
func NewFallback(inner Recorder) *Fallback {
	return &Fallback{inner: inner}
}

// Append persists the record, swallowing (but surfacing) any failure.
func (f *Fallback) Append(record Record) error {
	if err := f.inner.Append(record); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		log.Error().
			Err(err).
			Str("event", string(record.EventType)).
			Str("issueId", record.IssueID).
			Msg("Failed to persist audit record")
	}
	return nil
}

// Close closes the underlying recorder.
func (f *Fallback) Close() error {
	return f.inner.Close()
}
