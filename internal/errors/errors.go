package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrMalformedFinding = errors.New("malformed finding")
	ErrUnknownSeverity  = errors.New("no escalation policy for severity")
	ErrChannelDelivery  = errors.New("channel delivery failed")
	ErrAuditWrite       = errors.New("audit write failed")
	ErrSchedulerRace    = errors.New("scheduler fired and cancelled the same escalation")
	ErrIssueNotFound    = errors.New("issue not found")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeMalformedFinding ErrorType = "malformed_finding"
	ErrorTypeUnknownSeverity  ErrorType = "unknown_severity"
	ErrorTypeChannelDelivery  ErrorType = "channel_delivery"
	ErrorTypeAuditWrite       ErrorType = "audit_write"
	ErrorTypeSchedulerRace    ErrorType = "scheduler_race"
)

// PipelineError is a structured error for pipeline operations. None of the
// error types except scheduler_race are fatal to the process: a malformed
// finding, a missing policy, or a failed channel only affects the finding or
// issue it belongs to.
type PipelineError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "normalize", "dispatch")
	Source    string // Monitor or channel the error relates to
	Err       error  // Underlying error
	Timestamp time.Time
	Retryable bool
}

func (e *PipelineError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *PipelineError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrMalformedFinding:
		return e.Type == ErrorTypeMalformedFinding
	case ErrUnknownSeverity:
		return e.Type == ErrorTypeUnknownSeverity
	case ErrChannelDelivery:
		return e.Type == ErrorTypeChannelDelivery
	case ErrAuditWrite:
		return e.Type == ErrorTypeAuditWrite
	case ErrSchedulerRace:
		return e.Type == ErrorTypeSchedulerRace
	}

	return errors.Is(e.Err, target)
}

// NewPipelineError creates a new PipelineError
func NewPipelineError(errorType ErrorType, op, source string, err error) *PipelineError {
	return &PipelineError{
		Type:      errorType,
		Op:        op,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// MalformedFinding builds the error returned when a monitor hands the
// normalizer a finding missing required fields.
func MalformedFinding(source, reason string) *PipelineError {
	return NewPipelineError(ErrorTypeMalformedFinding, "normalize", source, errors.New(reason))
}

// UnknownSeverity builds the error returned when the policy table has no
// entry for a severity in use. Partial tables are expected during rollout,
// so callers audit and drop instead of substituting a default.
func UnknownSeverity(severity string) *PipelineError {
	return NewPipelineError(ErrorTypeUnknownSeverity, "resolve_policy", "",
		fmt.Errorf("severity %q has no configured policy", severity))
}

// ChannelDelivery wraps a notifier failure after retries are exhausted.
func ChannelDelivery(channel string, err error) *PipelineError {
	return NewPipelineError(ErrorTypeChannelDelivery, "dispatch", channel, err)
}

// isRetryable determines if an error should be retried
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeChannelDelivery, ErrorTypeAuditWrite:
		return true
	default:
		return false
	}
}
