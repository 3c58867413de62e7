// Package monitors polls external telemetry sources and turns matches into
// findings for the pipeline. Each monitor runs its own poll loop; a failed
// cycle is logged and audited but never stops the loop, so a transient
// source outage only costs the cycles it overlaps.
package monitors

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vigilops/vigil/internal/findings"
	"github.com/vigilops/vigil/internal/metrics"
)

// Monitor is a pollable telemetry source.
type Monitor interface {
	// Name returns the monitor identity used as finding source.
	Name() string

	// Interval returns how often the monitor should be polled.
	Interval() time.Duration

	// Poll performs one check cycle and returns the findings it produced.
	Poll(ctx context.Context) ([]findings.Finding, error)
}

// IngestFunc receives each finding a poll cycle produced.
type IngestFunc func(findings.Finding)

// PollErrorFunc is told about failed poll cycles so they can be audited.
type PollErrorFunc func(monitor string, err error)

// Runner drives all configured monitors until its context is cancelled.
type Runner struct {
	monitors []Monitor
	ingest   IngestFunc
	onError  PollErrorFunc
}

// NewRunner creates a runner over the given monitors.
func NewRunner(monitors []Monitor, ingest IngestFunc, onError PollErrorFunc) *Runner {
	return &Runner{monitors: monitors, ingest: ingest, onError: onError}
}

// Run polls every monitor on its own interval until ctx is cancelled.
// Each cycle's findings are independent ingestion candidates; the runner
// does not resume or replay streams.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range r.monitors {
		g.Go(func() error {
			r.loop(ctx, m)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, m Monitor) {
	interval := m.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	log.Info().
		Str("monitor", m.Name()).
		Dur("interval", interval).
		Msg("Monitor loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.poll(ctx, m)
	for {
		select {
		case <-ticker.C:
			r.poll(ctx, m)
		case <-ctx.Done():
			log.Info().Str("monitor", m.Name()).Msg("Monitor loop stopped")
			return
		}
	}
}

func (r *Runner) poll(ctx context.Context, m Monitor) {
	found, err := m.Poll(ctx)
	if err != nil {
		metrics.MonitorPollErrorsTotal.WithLabelValues(m.Name()).Inc()
		log.Error().Err(err).Str("monitor", m.Name()).Msg("Monitor poll failed")
		if r.onError != nil {
			r.onError(m.Name(), err)
		}
		return
	}

	log.Debug().
		Str("monitor", m.Name()).
		Int("findings", len(found)).
		Msg("Monitor poll completed")
	for _, f := range found {
		r.ingest(f)
	}
}
