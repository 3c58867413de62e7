package findings

import (
	"errors"
	"testing"
	"time"

	verrors "github.com/vigilops/vigil/internal/errors"
)

func TestDedupKeyIgnoresValueAndTimestamp(t *testing.T) {
	a, err := Normalize(Finding{
		Source: "prometheus", Pattern: "cpu_usage", Value: "91.2",
		Severity: SeverityHigh, Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, err := Normalize(Finding{
		Source: "prometheus", Pattern: "cpu_usage", Value: "99.9",
		Severity: SeverityCritical, Timestamp: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if a.Key != b.Key {
		t.Errorf("keys differ for same source+pattern: %s vs %s", a.Key, b.Key)
	}
}

func TestDedupKeyDistinguishesSourceAndPattern(t *testing.T) {
	base := DedupKey("es", "FATAL")
	if DedupKey("prometheus", "FATAL") == base {
		t.Error("different sources must not collide")
	}
	if DedupKey("es", "ERROR") == base {
		t.Error("different patterns must not collide")
	}
	// Concatenation ambiguity must not collide either.
	if DedupKey("esF", "ATAL") == base {
		t.Error("source/pattern boundary must be unambiguous")
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		finding Finding
	}{
		{"missing source", Finding{Pattern: "FATAL", Severity: SeverityHigh}},
		{"missing pattern", Finding{Source: "es", Severity: SeverityHigh}},
		{"blank pattern", Finding{Source: "es", Pattern: "   ", Severity: SeverityHigh}},
		{"missing severity", Finding{Source: "es", Pattern: "FATAL"}},
		{"bogus severity", Finding{Source: "es", Pattern: "FATAL", Severity: "panic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.finding)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, verrors.ErrMalformedFinding) {
				t.Errorf("expected malformed finding error, got %v", err)
			}
		})
	}
}

func TestNormalizeDefaultsTimestamp(t *testing.T) {
	before := time.Now()
	cand, err := Normalize(Finding{Source: "es", Pattern: "FATAL", Severity: SeverityCritical})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cand.Timestamp.Before(before) {
		t.Error("zero timestamp should be replaced with now")
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.Above(SeverityHigh) || !SeverityHigh.Above(SeverityWarning) {
		t.Error("severity ordering broken")
	}
	if SeverityWarning.Above(SeverityWarning) {
		t.Error("severity should not outrank itself")
	}
	if Severity("bogus").Above(SeverityWarning) {
		t.Error("unknown severity must rank below known ones")
	}
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" Critical ")
	if err != nil || sev != SeverityCritical {
		t.Errorf("ParseSeverity = %v, %v", sev, err)
	}
	if _, err := ParseSeverity("fatal"); err == nil {
		t.Error("expected error for unknown severity")
	}
}
