package findings

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/vigilops/vigil/internal/errors"
)

// Severity represents how serious a finding is
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityWarning:  1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Above reports whether s outranks other. Unknown severities rank below
// everything, so a bogus severity can never upgrade an issue.
func (s Severity) Above(other Severity) bool {
	return severityRank[s] > severityRank[other]
}

// ParseSeverity normalizes a severity string from config or a monitor.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Finding is a single raw signal reported by a monitor. Findings are
// immutable once produced; the normalizer is their only consumer.
type Finding struct {
	Source    string                 `json:"source"`    // monitor identity, e.g. "prometheus"
	Pattern   string                 `json:"pattern"`   // log pattern or metric name
	Value     string                 `json:"value"`     // observed value, already formatted
	Severity  Severity               `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"` // opaque payload for audit/display
	Resolved  bool                   `json:"resolved"`          // monitor reports the condition cleared
}

// Candidate is a normalized finding ready for the issue store.
type Candidate struct {
	Key       string
	Source    string
	Pattern   string
	Severity  Severity
	Message   string
	Value     string
	Timestamp time.Time
	Context   map[string]interface{}
	Resolved  bool
}

// DedupKey derives the deterministic identity for a finding. Only the
// source and pattern participate: timestamp and observed value are
// excluded so repeated matches of the same condition collapse to one issue.
func DedupKey(source, pattern string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + pattern))
	return hex.EncodeToString(sum[:16])
}

// Normalize converts a raw finding into an issue candidate. It fails with
// a malformed-finding error if source, pattern, or severity are absent;
// callers audit and drop such findings rather than crash the pipeline.
func Normalize(f Finding) (Candidate, error) {
	source := strings.TrimSpace(f.Source)
	pattern := strings.TrimSpace(f.Pattern)

	if source == "" {
		return Candidate{}, errors.MalformedFinding(f.Source, "missing source")
	}
	if pattern == "" {
		return Candidate{}, errors.MalformedFinding(source, "missing pattern or metric")
	}
	if !f.Severity.Valid() {
		return Candidate{}, errors.MalformedFinding(source,
			fmt.Sprintf("invalid severity %q", string(f.Severity)))
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return Candidate{
		Key:       DedupKey(source, pattern),
		Source:    source,
		Pattern:   pattern,
		Severity:  f.Severity,
		Message:   buildMessage(source, pattern, f.Value, f.Severity),
		Value:     f.Value,
		Timestamp: ts,
		Context:   f.Context,
		Resolved:  f.Resolved,
	}, nil
}

func buildMessage(source, pattern, value string, sev Severity) string {
	if value == "" {
		return fmt.Sprintf("[%s] %s matched on %s", sev, pattern, source)
	}
	return fmt.Sprintf("[%s] %s on %s: observed %s", sev, pattern, source, value)
}
