// Package pipeline connects the stages: findings are normalized, folded into
// the issue store, matched against the escalation policy table, held by the
// scheduler and finally fanned out by the dispatcher. Every state transition
// leaves an audit record on the way through.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/dispatch"
	"github.com/vigilops/vigil/internal/escalation"
	"github.com/vigilops/vigil/internal/findings"
	"github.com/vigilops/vigil/internal/issues"
	"github.com/vigilops/vigil/internal/metrics"
	"github.com/vigilops/vigil/pkg/audit"
)

// Pipeline owns one end-to-end detection flow.
//
// keyMu serializes the full ingest path per dedup key, from the store fold
// through scheduling. The store only serializes its own mutations; the
// policy lookup and Schedule call that follow must run under the same
// critical section, or a concurrent lower-severity finding can queue its
// slow timer after an upgrade has already dispatched.
type Pipeline struct {
	store      *issues.Store
	table      *escalation.Table
	scheduler  *escalation.Scheduler
	dispatcher *dispatch.Dispatcher
	recorder   audit.Recorder

	keyMu sync.Map // dedup key -> *sync.Mutex
}

// New wires a pipeline over the given components. The recorder is wrapped so
// a failing audit backend degrades to logged errors instead of blocking
// transitions.
func New(store *issues.Store, table *escalation.Table, dispatcher *dispatch.Dispatcher, recorder audit.Recorder) *Pipeline {
	p := &Pipeline{
		store:      store,
		table:      table,
		dispatcher: dispatcher,
		recorder:   audit.NewFallback(recorder),
	}
	p.scheduler = escalation.NewScheduler(store, p.onFire, p.onAutoResolve)
	return p
}

// Ingest runs one finding through the pipeline. Malformed findings are
// audited and dropped; they never open issues.
func (p *Pipeline) Ingest(f findings.Finding) {
	metrics.FindingsIngestedTotal.WithLabelValues(f.Source).Inc()

	cand, err := findings.Normalize(f)
	if err != nil {
		metrics.FindingsMalformedTotal.WithLabelValues(f.Source).Inc()
		rec := audit.NewRecord(audit.EventMalformedFinding)
		rec.Source = f.Source
		rec.Pattern = f.Pattern
		rec.Details = err.Error()
		p.recorder.Append(rec)
		log.Warn().Err(err).Str("source", f.Source).Msg("Malformed finding rejected")
		return
	}

	unlock := p.lockKey(cand.Key)
	defer unlock()

	if cand.Resolved {
		p.resolveFromSource(cand)
		return
	}

	issue, escalate := p.store.Ingest(cand)
	if issue.Occurrences == 1 {
		rec := p.record(audit.EventDetected, issue)
		rec.Details = issue.Message
		p.recorder.Append(rec)
	}
	if !escalate {
		return
	}

	policy, err := p.table.Resolve(issue.Severity)
	if err != nil {
		metrics.PolicyMissingTotal.WithLabelValues(string(issue.Severity)).Inc()
		rec := p.record(audit.EventPolicyMissing, issue)
		rec.Details = err.Error()
		p.recorder.Append(rec)
		log.Error().
			Str("issueId", issue.ID).
			Str("severity", string(issue.Severity)).
			Msg("No escalation policy for severity, issue will not escalate")
		return
	}

	fireAt := time.Now().Add(policy.Wait)
	if _, err := p.store.MarkScheduled(issue.Key, fireAt); err != nil {
		log.Debug().Err(err).Str("issueId", issue.ID).Msg("Issue gone before scheduling")
		return
	}
	rec := p.record(audit.EventScheduled, issue)
	rec.State = string(issues.StateScheduled)
	rec.Details = fmt.Sprintf("wait=%s channels=%s autoResolve=%t",
		policy.Wait, strings.Join(policy.Channels, ","), policy.AutoResolve)
	p.recorder.Append(rec)

	if _, ok := p.scheduler.Schedule(issue, policy); !ok {
		log.Warn().Str("issueId", issue.ID).Msg("Scheduler stopped, escalation not queued")
	}
}

// MonitorError documents a failed poll cycle in the audit trail. The monitor
// keeps polling; this only records that cycles were lost.
func (p *Pipeline) MonitorError(monitor string, err error) {
	rec := audit.NewRecord(audit.EventMonitorError)
	rec.Source = monitor
	rec.Details = err.Error()
	p.recorder.Append(rec)
}

// resolveFromSource handles a finding whose source reports the condition has
// cleared. A pending escalation is cancelled before it can fire.
func (p *Pipeline) resolveFromSource(cand findings.Candidate) {
	p.scheduler.Cancel(cand.Key)

	issue, err := p.store.Resolve(cand.Key)
	if err != nil {
		log.Debug().
			Str("dedupKey", cand.Key).
			Msg("Resolution for unknown or already resolved issue, ignoring")
		return
	}

	metrics.IssuesResolvedTotal.WithLabelValues("source_cleared").Inc()
	rec := p.record(audit.EventResolved, issue)
	rec.State = string(issues.StateResolved)
	rec.Details = "condition cleared at source"
	p.recorder.Append(rec)
}

// onFire is invoked by the scheduler when an escalation's wait has elapsed.
func (p *Pipeline) onFire(issue issues.Issue, policy escalation.Policy, fireID string) {
	updated, err := p.store.MarkDispatched(issue.Key)
	if err != nil {
		log.Debug().Err(err).Str("issueId", issue.ID).Msg("Issue gone before dispatch")
		return
	}

	outcomes := p.dispatcher.Dispatch(context.Background(), updated, fireID, policy.Channels)

	var delivered, failed []string
	for _, o := range outcomes {
		if o.Success {
			delivered = append(delivered, o.Channel)
			continue
		}
		failed = append(failed, o.Channel)
		rec := p.record(audit.EventChannelFailed, updated)
		rec.State = string(issues.StateDispatched)
		rec.Details = fmt.Sprintf("channel=%s attempts=%d error=%v", o.Channel, o.Attempts, o.Err)
		p.recorder.Append(rec)
	}

	rec := p.record(audit.EventDispatched, updated)
	rec.State = string(issues.StateDispatched)
	rec.Details = fmt.Sprintf("fireId=%s delivered=%s failed=%s",
		fireID, strings.Join(delivered, ","), strings.Join(failed, ","))
	p.recorder.Append(rec)

	// The fire instance is over; no later dispatch reuses this fireID.
	p.dispatcher.Forget(fireID)
}

// onAutoResolve is invoked by the scheduler when an auto-resolving issue saw
// no repeat finding within its observation window.
func (p *Pipeline) onAutoResolve(issue issues.Issue) {
	resolved, err := p.store.Resolve(issue.Key)
	if err != nil {
		return
	}

	metrics.IssuesResolvedTotal.WithLabelValues("auto_resolved").Inc()
	rec := p.record(audit.EventResolved, resolved)
	rec.State = string(issues.StateResolved)
	rec.Details = "no repeat finding within observation window, dispatch suppressed"
	p.recorder.Append(rec)
}

// ReplacePolicies swaps the escalation policy table, typically after a config
// reload. Already scheduled escalations keep the policy they were queued with.
func (p *Pipeline) ReplacePolicies(policies map[findings.Severity]escalation.Policy) {
	p.table.Replace(policies)
	log.Info().Int("policies", len(policies)).Msg("Escalation policies replaced")
}

// PendingEscalations returns how many escalations are waiting to fire.
func (p *Pipeline) PendingEscalations() int {
	return p.scheduler.PendingCount()
}

// ActiveIssues returns snapshots of all live issues.
func (p *Pipeline) ActiveIssues() []issues.Issue {
	return p.store.Active()
}

// Stop shuts the pipeline down. Pending escalations are dropped, each with a
// SHUTDOWN_DROPPED audit record, and the audit backend is closed last so the
// drop records are persisted.
func (p *Pipeline) Stop() {
	dropped := p.scheduler.Stop()
	for _, d := range dropped {
		rec := p.record(audit.EventShutdownDropped, d.Issue)
		rec.Details = fmt.Sprintf("fireAt=%s", d.FireAt.UTC().Format(time.RFC3339))
		p.recorder.Append(rec)
		log.Warn().
			Str("issueId", d.Issue.ID).
			Time("fireAt", d.FireAt).
			Msg("Pending escalation dropped at shutdown")
	}
	if err := p.recorder.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close audit recorder")
	}
}

func (p *Pipeline) lockKey(key string) func() {
	v, _ := p.keyMu.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (p *Pipeline) record(event audit.EventType, issue issues.Issue) audit.Record {
	rec := audit.NewRecord(event)
	rec.IssueID = issue.ID
	rec.DedupKey = issue.Key
	rec.Source = issue.Source
	rec.Pattern = issue.Pattern
	rec.Severity = string(issue.Severity)
	rec.State = string(issue.State)
	return rec
}
