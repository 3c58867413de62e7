package escalation

import (
	"errors"
	"testing"
	"time"

	verrors "github.com/vigilops/vigil/internal/errors"
	"github.com/vigilops/vigil/internal/findings"
)

func TestTableResolve(t *testing.T) {
	table := NewTable(map[findings.Severity]Policy{
		findings.SeverityCritical: {Channels: []string{"slack", "email", "jira"}, Wait: 0},
		findings.SeverityWarning:  {Channels: []string{"slack"}, Wait: 15 * time.Minute, AutoResolve: true},
	})

	p, err := table.Resolve(findings.SeverityCritical)
	if err != nil {
		t.Fatalf("resolve critical: %v", err)
	}
	if len(p.Channels) != 3 || p.Wait != 0 {
		t.Errorf("unexpected policy: %+v", p)
	}
}

func TestTableResolveMissingSeverityIsError(t *testing.T) {
	table := NewTable(map[findings.Severity]Policy{
		findings.SeverityCritical: {Channels: []string{"slack"}},
	})

	_, err := table.Resolve(findings.SeverityHigh)
	if err == nil {
		t.Fatal("missing severity must error, never fall back to a default")
	}
	if !errors.Is(err, verrors.ErrUnknownSeverity) {
		t.Errorf("expected unknown severity error, got %v", err)
	}
}

func TestTableReplace(t *testing.T) {
	table := NewTable(map[findings.Severity]Policy{
		findings.SeverityWarning: {Channels: []string{"slack"}},
	})
	table.Replace(map[findings.Severity]Policy{
		findings.SeverityWarning: {Channels: []string{"email"}, Wait: time.Minute},
	})

	p, err := table.Resolve(findings.SeverityWarning)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(p.Channels) != 1 || p.Channels[0] != "email" || p.Wait != time.Minute {
		t.Errorf("replace not applied: %+v", p)
	}
}

func TestObservationWindowDefaultsToWait(t *testing.T) {
	p := Policy{Wait: 10 * time.Minute, AutoResolve: true}
	if p.ObservationWindow() != 10*time.Minute {
		t.Errorf("window = %v, want wait time", p.ObservationWindow())
	}
	p.Grace = time.Minute
	if p.ObservationWindow() != time.Minute {
		t.Errorf("window = %v, want explicit grace", p.ObservationWindow())
	}
}
