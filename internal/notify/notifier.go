// Package notify contains the delivery channels escalations fan out to.
// Each channel implements the same capability interface; the dispatcher is
// agnostic to which concrete kind sits behind a channel name.
package notify

import (
	"context"

	"github.com/vigilops/vigil/internal/issues"
)

// Notifier delivers an issue notification over one channel.
type Notifier interface {
	// Name returns the channel identifier used in escalation policies.
	Name() string

	// Send transmits the issue. An error means this delivery attempt
	// failed; the dispatcher owns retries.
	Send(ctx context.Context, issue issues.Issue) error
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "high":
		return "[HIGH]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "#d63031"
	case "high":
		return "#e17055"
	case "warning":
		return "#fdcb6e"
	default:
		return "#74b9ff"
	}
}
