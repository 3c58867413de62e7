// Package escalation decides when and where an issue gets escalated: the
// policy table maps severity to channels and wait time, the scheduler holds
// issues through their wait window.
package escalation

import (
	"sync"
	"time"

	"github.com/vigilops/vigil/internal/errors"
	"github.com/vigilops/vigil/internal/findings"
)

// Policy is the pure configuration record for one severity level.
type Policy struct {
	Channels    []string      // channel identifiers, e.g. slack, email, jira
	Wait        time.Duration // delay before dispatch; zero fires immediately
	AutoResolve bool          // suppress dispatch if the issue self-clears
	Grace       time.Duration // auto-resolve observation window; defaults to Wait
}

// ObservationWindow returns the grace period an auto-resolving issue gets
// after its fire time before dispatch is considered unavoidable.
func (p Policy) ObservationWindow() time.Duration {
	if p.Grace > 0 {
		return p.Grace
	}
	return p.Wait
}

// Table resolves severities to policies. It is read-mostly; Replace exists
// so the config watcher can swap in a reloaded table without restarting
// the pipeline.
type Table struct {
	mu       sync.RWMutex
	policies map[findings.Severity]Policy
}

// NewTable creates a policy table from a severity map.
func NewTable(policies map[findings.Severity]Policy) *Table {
	t := &Table{}
	t.Replace(policies)
	return t
}

// Resolve looks up the policy for a severity. A missing entry is always an
// error to surface, never guessed: partial tables are expected during
// rollout and substituting a default would hide the configuration gap.
func (t *Table) Resolve(severity findings.Severity) (Policy, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	policy, ok := t.policies[severity]
	if !ok {
		return Policy{}, errors.UnknownSeverity(string(severity))
	}
	return policy, nil
}

// Replace swaps the whole table atomically.
func (t *Table) Replace(policies map[findings.Severity]Policy) {
	copied := make(map[findings.Severity]Policy, len(policies))
	for sev, p := range policies {
		copied[sev] = p
	}

	t.mu.Lock()
	t.policies = copied
	t.mu.Unlock()
}
