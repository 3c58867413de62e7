package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestPipelineErrorIs(t *testing.T) {
	tests := []struct {
		name   string
		err    *PipelineError
		target error
		want   bool
	}{
		{"malformed matches sentinel", MalformedFinding("es", "missing severity"), ErrMalformedFinding, true},
		{"malformed does not match severity", MalformedFinding("es", "missing severity"), ErrUnknownSeverity, false},
		{"unknown severity matches sentinel", UnknownSeverity("critical"), ErrUnknownSeverity, true},
		{"channel delivery matches sentinel", ChannelDelivery("slack", errors.New("HTTP 500")), ErrChannelDelivery, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPipelineErrorWrapsUnderlying(t *testing.T) {
	underlying := errors.New("connection refused")
	err := ChannelDelivery("email", underlying)

	if !errors.Is(err, underlying) {
		t.Error("expected wrapped error to match underlying")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, ErrChannelDelivery) {
		t.Error("expected sentinel match through extra wrapping")
	}
}

func TestPipelineErrorMessage(t *testing.T) {
	err := ChannelDelivery("jira", errors.New("HTTP 503"))
	want := "dispatch failed on jira: HTTP 503"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	err = UnknownSeverity("high")
	if err.Source != "" {
		t.Errorf("unexpected source %q", err.Source)
	}
	if err.Error() != `resolve_policy failed: severity "high" has no configured policy` {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestRetryable(t *testing.T) {
	if !ChannelDelivery("slack", errors.New("x")).Retryable {
		t.Error("channel delivery should be retryable")
	}
	if MalformedFinding("es", "x").Retryable {
		t.Error("malformed finding should not be retryable")
	}
}
