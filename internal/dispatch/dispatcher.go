// Package dispatch fans a fired escalation out to its configured channels.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/errors"
	"github.com/vigilops/vigil/internal/issues"
	"github.com/vigilops/vigil/internal/metrics"
	"github.com/vigilops/vigil/internal/notify"
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 30 * time.Second
	initialBackoff        = time.Second
	maxBackoff            = 30 * time.Second
)

// Outcome is the per-channel result of one dispatch.
type Outcome struct {
	Channel  string `json:"channel"`
	Success  bool   `json:"success"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// Dispatcher delivers a fired escalation to each channel independently.
// Channels run concurrently; one channel failing or hanging neither blocks
// nor fails the others. Deliveries already confirmed for a fire instance
// are not repeated, so retrying a partially failed dispatch only touches
// the channels that failed.
type Dispatcher struct {
	notifiers      map[string]notify.Notifier
	maxAttempts    int
	attemptTimeout time.Duration
	initialBackoff time.Duration

	mu        sync.Mutex
	delivered map[string]map[string]bool // fireID -> channel -> confirmed
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxAttempts overrides the per-channel attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.attemptTimeout = t
		}
	}
}

// WithInitialBackoff overrides the first retry delay.
func WithInitialBackoff(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.initialBackoff = t
		}
	}
}

// NewDispatcher creates a dispatcher over the given notifiers.
func NewDispatcher(notifiers []notify.Notifier, opts ...Option) *Dispatcher {
	byName := make(map[string]notify.Notifier, len(notifiers))
	for _, n := range notifiers {
		byName[n.Name()] = n
	}
	d := &Dispatcher{
		notifiers:      byName,
		maxAttempts:    defaultMaxAttempts,
		attemptTimeout: defaultAttemptTimeout,
		initialBackoff: initialBackoff,
		delivered:      make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends issue to every channel in channels, concurrently. fireID
// identifies the fire instance for idempotence: channels that already
// succeeded for this fireID are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, issue issues.Issue, fireID string, channels []string) []Outcome {
	outcomes := make([]Outcome, len(channels))
	var wg sync.WaitGroup

	for i, channel := range channels {
		if d.isDelivered(fireID, channel) {
			outcomes[i] = Outcome{Channel: channel, Success: true}
			log.Debug().
				Str("fireId", fireID).
				Str("channel", channel).
				Msg("Channel already delivered for this fire instance, skipping")
			continue
		}

		wg.Add(1)
		go func(i int, channel string) {
			defer wg.Done()
			outcomes[i] = d.deliver(ctx, issue, fireID, channel)
		}(i, channel)
	}
	wg.Wait()

	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, issue issues.Issue, fireID, channel string) Outcome {
	notifier, ok := d.notifiers[channel]
	if !ok {
		metrics.ChannelFailuresTotal.WithLabelValues(channel).Inc()
		log.Warn().
			Str("channel", channel).
			Str("issueId", issue.ID).
			Msg("Channel referenced by policy but not configured")
		return Outcome{
			Channel: channel,
			Err:     errors.ChannelDelivery(channel, fmt.Errorf("channel not configured")),
		}
	}

	var lastErr error
	backoff := d.initialBackoff

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			log.Debug().
				Str("channel", channel).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying channel after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Outcome{Channel: channel, Attempts: attempt - 1,
					Err: errors.ChannelDelivery(channel, ctx.Err())}
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := d.attempt(ctx, notifier, issue)
		if err == nil {
			metrics.DispatchAttemptsTotal.WithLabelValues(channel, "success").Inc()
			d.markDelivered(fireID, channel)
			log.Info().
				Str("channel", channel).
				Str("issueId", issue.ID).
				Int("attempt", attempt).
				Msg("Notification delivered")
			return Outcome{Channel: channel, Success: true, Attempts: attempt}
		}

		lastErr = err
		metrics.DispatchAttemptsTotal.WithLabelValues(channel, "failure").Inc()
		log.Warn().
			Err(err).
			Str("channel", channel).
			Str("issueId", issue.ID).
			Int("attempt", attempt).
			Msg("Channel delivery attempt failed")
	}

	metrics.ChannelFailuresTotal.WithLabelValues(channel).Inc()
	return Outcome{
		Channel:  channel,
		Attempts: d.maxAttempts,
		Err:      errors.ChannelDelivery(channel, fmt.Errorf("after %d attempts: %w", d.maxAttempts, lastErr)),
	}
}

func (d *Dispatcher) attempt(ctx context.Context, notifier notify.Notifier, issue issues.Issue) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()
	return notifier.Send(attemptCtx, issue)
}

func (d *Dispatcher) isDelivered(fireID, channel string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delivered[fireID][channel]
}

func (d *Dispatcher) markDelivered(fireID, channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	channels, ok := d.delivered[fireID]
	if !ok {
		channels = make(map[string]bool)
		d.delivered[fireID] = channels
	}
	channels[channel] = true
}

// Forget drops idempotence state for a fire instance. Called when the
// issue's lifecycle is over and the fireID can never be dispatched again.
func (d *Dispatcher) Forget(fireID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.delivered, fireID)
}
