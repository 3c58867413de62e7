// Package metrics exposes Prometheus instrumentation for the pipeline.
// Together with zerolog output this is the operator-facing surface:
// dropped findings, missing policies, and exhausted channel retries all
// show up here, distinct from the escalation channels themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Finding ingestion metrics
	FindingsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_findings_ingested_total",
			Help: "Total number of findings ingested by source",
		},
		[]string{"source"},
	)

	FindingsMalformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_findings_malformed_total",
			Help: "Total number of findings dropped as malformed by source",
		},
		[]string{"source"},
	)

	MonitorPollErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_monitor_poll_errors_total",
			Help: "Total number of failed monitor poll cycles by monitor",
		},
		[]string{"monitor"},
	)

	// Issue lifecycle metrics
	IssuesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_issues_active",
			Help: "Number of currently live issues by severity",
		},
		[]string{"severity"},
	)

	IssuesOpenedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_issues_opened_total",
			Help: "Total number of issues opened by severity",
		},
		[]string{"severity"},
	)

	IssuesResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_issues_resolved_total",
			Help: "Total number of issues resolved by reason",
		},
		[]string{"reason"}, // source_cleared, auto_resolved
	)

	PolicyMissingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_policy_missing_total",
			Help: "Total number of issues dropped because no policy covers their severity",
		},
		[]string{"severity"},
	)

	// Escalation metrics
	EscalationsScheduledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_escalations_scheduled_total",
			Help: "Total number of escalations scheduled by severity",
		},
		[]string{"severity"},
	)

	EscalationsCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_escalations_cancelled_total",
			Help: "Total number of pending escalations cancelled before firing",
		},
	)

	// Dispatch metrics
	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_dispatch_attempts_total",
			Help: "Total number of channel delivery attempts by channel and result",
		},
		[]string{"channel", "result"}, // result: success, failure
	)

	ChannelFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_channel_failures_total",
			Help: "Total number of channel deliveries that exhausted all retries",
		},
		[]string{"channel"},
	)

	// Audit metrics
	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_audit_write_failures_total",
			Help: "Total number of audit records that could not be persisted",
		},
	)
)
