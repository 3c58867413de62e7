// Package issues owns the deduplicated issue state. The Store is the only
// shared mutable structure in the pipeline: every other component receives
// it by handle and goes through its API.
package issues

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/errors"
	"github.com/vigilops/vigil/internal/findings"
	"github.com/vigilops/vigil/internal/metrics"
)

// State represents where an issue sits in its lifecycle.
type State string

const (
	StateOpen       State = "OPEN"
	StateScheduled  State = "SCHEDULED"
	StateDispatched State = "DISPATCHED"
	StateResolved   State = "RESOLVED"
)

// DefaultRetention is how long a resolved issue stays queryable before it
// is removed from the active set. Audit history persists independently.
const DefaultRetention = 5 * time.Minute

// Issue is the canonical tracked representation of an underlying problem.
// All mutation happens inside the Store; callers only ever see copies.
type Issue struct {
	ID          string                 `json:"id"`
	Key         string                 `json:"dedupKey"`
	Source      string                 `json:"source"`
	Pattern     string                 `json:"pattern"`
	Severity    findings.Severity      `json:"severity"`
	State       State                  `json:"state"`
	Message     string                 `json:"message"`
	Value       string                 `json:"value,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	FirstSeen   time.Time              `json:"firstSeen"`
	LastSeen    time.Time              `json:"lastSeen"`
	Occurrences int                    `json:"occurrences"`
	ScheduledAt *time.Time             `json:"scheduledAt,omitempty"` // pending fire time, nil unless SCHEDULED
	ResolvedAt  *time.Time             `json:"resolvedAt,omitempty"`
}

// Live reports whether the issue still occupies its dedup key.
func (i *Issue) Live() bool {
	return i.State != StateResolved
}

type entry struct {
	mu    sync.Mutex
	issue *Issue
}

// Store tracks at most one live issue per dedup key.
//
// Lock discipline: s.mu guards the map only. Each entry carries its own
// mutex serializing all transitions for that key, so concurrent findings
// for different keys proceed independently. Acquisition order is always
// s.mu before entry.mu.
type Store struct {
	mu        sync.Mutex
	entries   map[string]*entry
	retention time.Duration
}

// NewStore creates an empty issue store.
func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		entries:   make(map[string]*entry),
		retention: retention,
	}
}

// Ingest applies a normalized candidate to the store. It returns a snapshot
// of the issue and whether the caller needs to (re-)evaluate escalation:
// true for a brand new issue or a severity upgrade, false for a plain
// repeat. Lower-severity repeats never downgrade the tracked severity.
func (s *Store) Ingest(c findings.Candidate) (Issue, bool) {
	e := s.entry(c.Key, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.issue
	if cur == nil || !cur.Live() {
		issue := newIssue(c)
		e.issue = issue
		metrics.IssuesActive.WithLabelValues(string(issue.Severity)).Inc()
		metrics.IssuesOpenedTotal.WithLabelValues(string(issue.Severity)).Inc()
		log.Info().
			Str("issueId", issue.ID).
			Str("dedupKey", issue.Key).
			Str("source", issue.Source).
			Str("pattern", issue.Pattern).
			Str("severity", string(issue.Severity)).
			Msg("Issue opened")
		return *issue, true
	}

	cur.Occurrences++
	cur.LastSeen = c.Timestamp
	cur.Value = c.Value

	if c.Severity.Above(cur.Severity) {
		metrics.IssuesActive.WithLabelValues(string(cur.Severity)).Dec()
		metrics.IssuesActive.WithLabelValues(string(c.Severity)).Inc()
		log.Info().
			Str("issueId", cur.ID).
			Str("dedupKey", cur.Key).
			Str("from", string(cur.Severity)).
			Str("to", string(c.Severity)).
			Msg("Issue severity upgraded")
		cur.Severity = c.Severity
		cur.Message = c.Message
		return *cur, true
	}

	// Equal severity refreshes the message; lower severity only counts.
	if c.Severity == cur.Severity {
		cur.Message = c.Message
	}
	log.Debug().
		Str("issueId", cur.ID).
		Str("dedupKey", cur.Key).
		Int("occurrences", cur.Occurrences).
		Msg("Issue repeat")
	return *cur, false
}

// Resolve transitions the issue for key to RESOLVED. The issue stays
// queryable for the retention window, then leaves the active set.
func (s *Store) Resolve(key string) (Issue, error) {
	e := s.entry(key, false)
	if e == nil {
		return Issue{}, errors.ErrIssueNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.issue
	if cur == nil || !cur.Live() {
		return Issue{}, errors.ErrIssueNotFound
	}

	now := time.Now()
	cur.State = StateResolved
	cur.ResolvedAt = &now
	cur.ScheduledAt = nil
	metrics.IssuesActive.WithLabelValues(string(cur.Severity)).Dec()
	log.Info().
		Str("issueId", cur.ID).
		Str("dedupKey", cur.Key).
		Int("occurrences", cur.Occurrences).
		Msg("Issue resolved")

	s.scheduleRemoval(key, cur.ID)
	return *cur, nil
}

// MarkScheduled records that an escalation is pending for the issue.
func (s *Store) MarkScheduled(key string, fireAt time.Time) (Issue, error) {
	return s.transition(key, func(i *Issue) {
		i.State = StateScheduled
		t := fireAt
		i.ScheduledAt = &t
	})
}

// MarkDispatched records that the issue's escalation has fired.
func (s *Store) MarkDispatched(key string) (Issue, error) {
	return s.transition(key, func(i *Issue) {
		i.State = StateDispatched
		i.ScheduledAt = nil
	})
}

func (s *Store) transition(key string, apply func(*Issue)) (Issue, error) {
	e := s.entry(key, false)
	if e == nil {
		return Issue{}, errors.ErrIssueNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.issue
	if cur == nil || !cur.Live() {
		return Issue{}, errors.ErrIssueNotFound
	}
	apply(cur)
	return *cur, nil
}

// Get returns a snapshot of the issue for key, live or retained.
func (s *Store) Get(key string) (Issue, bool) {
	e := s.entry(key, false)
	if e == nil {
		return Issue{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.issue == nil {
		return Issue{}, false
	}
	return *e.issue, true
}

// Active returns snapshots of all live issues.
func (s *Store) Active() []Issue {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]Issue, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.issue != nil && e.issue.Live() {
			out = append(out, *e.issue)
		}
		e.mu.Unlock()
	}
	return out
}

func (s *Store) entry(key string, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok && create {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

// scheduleRemoval drops the entry after the retention window, unless a new
// issue has taken over the key in the meantime. Caller holds the entry lock.
func (s *Store) scheduleRemoval(key, issueID string) {
	time.AfterFunc(s.retention, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		e, ok := s.entries[key]
		if !ok {
			return
		}
		e.mu.Lock()
		stale := e.issue != nil && e.issue.ID == issueID && !e.issue.Live()
		e.mu.Unlock()
		if stale {
			delete(s.entries, key)
		}
	})
}

func newIssue(c findings.Candidate) *Issue {
	return &Issue{
		ID:          ulid.Make().String(),
		Key:         c.Key,
		Source:      c.Source,
		Pattern:     c.Pattern,
		Severity:    c.Severity,
		State:       StateOpen,
		Message:     c.Message,
		Value:       c.Value,
		Context:     c.Context,
		FirstSeen:   c.Timestamp,
		LastSeen:    c.Timestamp,
		Occurrences: 1,
	}
}
