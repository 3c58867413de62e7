package issues

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vigilops/vigil/internal/findings"
)

func candidate(source, pattern string, sev findings.Severity) findings.Candidate {
	return findings.Candidate{
		Key:       findings.DedupKey(source, pattern),
		Source:    source,
		Pattern:   pattern,
		Severity:  sev,
		Message:   fmt.Sprintf("[%s] %s on %s", sev, pattern, source),
		Timestamp: time.Now(),
	}
}

func TestIngestCreatesOneLiveIssuePerKey(t *testing.T) {
	s := NewStore(0)
	c := candidate("es", "FATAL", findings.SeverityCritical)

	issue, isNew := s.Ingest(c)
	if !isNew {
		t.Fatal("first ingest must report new")
	}
	if issue.State != StateOpen || issue.Occurrences != 1 {
		t.Fatalf("unexpected issue: %+v", issue)
	}

	for i := 0; i < 4; i++ {
		_, isNew = s.Ingest(c)
		if isNew {
			t.Fatal("repeat ingest must not report new")
		}
	}

	got, ok := s.Get(c.Key)
	if !ok {
		t.Fatal("issue missing")
	}
	if got.Occurrences != 5 {
		t.Errorf("occurrences = %d, want 5", got.Occurrences)
	}
	if len(s.Active()) != 1 {
		t.Errorf("active issues = %d, want 1", len(s.Active()))
	}
}

func TestSeverityMonotonicallyNonDecreasing(t *testing.T) {
	s := NewStore(0)

	s.Ingest(candidate("prometheus", "error_rate", findings.SeverityWarning))

	issue, upgraded := s.Ingest(candidate("prometheus", "error_rate", findings.SeverityCritical))
	if !upgraded {
		t.Fatal("higher severity must report upgrade")
	}
	if issue.Severity != findings.SeverityCritical {
		t.Errorf("severity = %s, want critical", issue.Severity)
	}

	issue, upgraded = s.Ingest(candidate("prometheus", "error_rate", findings.SeverityWarning))
	if upgraded {
		t.Fatal("lower severity must not report upgrade")
	}
	if issue.Severity != findings.SeverityCritical {
		t.Errorf("lower-severity repeat downgraded issue to %s", issue.Severity)
	}
	if issue.Occurrences != 3 {
		t.Errorf("occurrences = %d, want 3", issue.Occurrences)
	}
}

func TestEqualSeverityRepeatRefreshesMessageWithoutUpgrade(t *testing.T) {
	s := NewStore(0)

	first := candidate("es", "FATAL", findings.SeverityHigh)
	s.Ingest(first)

	second := candidate("es", "FATAL", findings.SeverityHigh)
	second.Message = "[high] FATAL on es (new detail)"
	issue, upgraded := s.Ingest(second)
	if upgraded {
		t.Fatal("equal severity must not trigger rescheduling")
	}
	if issue.Message != second.Message {
		t.Errorf("message not refreshed: %q", issue.Message)
	}
}

func TestConcurrentIngestSameKeyLinearized(t *testing.T) {
	s := NewStore(0)
	c := candidate("es", "FATAL", findings.SeverityWarning)

	const n = 100
	var wg sync.WaitGroup
	newCount := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew := s.Ingest(c)
			newCount <- isNew
		}()
	}
	wg.Wait()
	close(newCount)

	creations := 0
	for isNew := range newCount {
		if isNew {
			creations++
		}
	}
	if creations != 1 {
		t.Errorf("creations = %d, want exactly 1", creations)
	}

	got, _ := s.Get(c.Key)
	if got.Occurrences != n {
		t.Errorf("occurrences = %d, want %d (lost updates)", got.Occurrences, n)
	}
}

func TestConcurrentIngestDifferentKeys(t *testing.T) {
	s := NewStore(0)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Ingest(candidate("es", fmt.Sprintf("pattern-%d", i), findings.SeverityHigh))
		}(i)
	}
	wg.Wait()

	if got := len(s.Active()); got != n {
		t.Errorf("active issues = %d, want %d", got, n)
	}
}

func TestResolveAndReopen(t *testing.T) {
	s := NewStore(time.Hour)
	c := candidate("es", "FATAL", findings.SeverityHigh)

	s.Ingest(c)
	resolved, err := s.Resolve(c.Key)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.State != StateResolved || resolved.ResolvedAt == nil {
		t.Fatalf("unexpected resolved issue: %+v", resolved)
	}
	if len(s.Active()) != 0 {
		t.Error("resolved issue still active")
	}

	// Resolving again is an error, not a second transition.
	if _, err := s.Resolve(c.Key); err == nil {
		t.Error("double resolve must fail")
	}

	// A fresh finding for the same key opens a brand new issue.
	reopened, isNew := s.Ingest(c)
	if !isNew {
		t.Fatal("ingest after resolve must open a new issue")
	}
	if reopened.ID == resolved.ID {
		t.Error("reopened issue must have a new identity")
	}
	if reopened.Occurrences != 1 {
		t.Errorf("occurrences = %d, want 1", reopened.Occurrences)
	}
}

func TestRetentionRemovesResolvedEntries(t *testing.T) {
	s := NewStore(20 * time.Millisecond)
	c := candidate("es", "FATAL", findings.SeverityHigh)

	s.Ingest(c)
	if _, err := s.Resolve(c.Key); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := s.Get(c.Key); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("resolved issue never left the active set")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStateTransitions(t *testing.T) {
	s := NewStore(0)
	c := candidate("es", "FATAL", findings.SeverityHigh)
	s.Ingest(c)

	fireAt := time.Now().Add(time.Minute)
	issue, err := s.MarkScheduled(c.Key, fireAt)
	if err != nil {
		t.Fatalf("mark scheduled: %v", err)
	}
	if issue.State != StateScheduled || issue.ScheduledAt == nil {
		t.Fatalf("unexpected issue after scheduling: %+v", issue)
	}

	issue, err = s.MarkDispatched(c.Key)
	if err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	if issue.State != StateDispatched || issue.ScheduledAt != nil {
		t.Fatalf("unexpected issue after dispatch: %+v", issue)
	}

	if _, err := s.MarkScheduled("no-such-key", fireAt); err == nil {
		t.Error("transition on unknown key must fail")
	}
}
