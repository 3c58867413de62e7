package escalation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/issues"
	"github.com/vigilops/vigil/internal/metrics"
)

// Pending escalation states. The transition out of statePending is a single
// atomic CAS: whichever of fire and cancel observes statePending first wins
// and the loser is a no-op, so a timer racing its own cancellation can never
// both dispatch and be treated as cancelled.
const (
	statePending int32 = iota
	stateFired
	stateCancelled
)

// FireHandler receives an escalation whose wait window has elapsed. fireID
// identifies this fire instance for dispatch idempotence.
type FireHandler func(issue issues.Issue, policy Policy, fireID string)

// AutoResolveHandler receives an issue whose escalation was suppressed
// because no repeat finding arrived within the observation window.
type AutoResolveHandler func(issue issues.Issue)

// Dropped describes a pending escalation discarded during shutdown.
type Dropped struct {
	Issue  issues.Issue
	FireAt time.Time
}

type pending struct {
	key           string
	issueID       string
	fireID        string
	fireAt        time.Time
	policy        Policy
	occAtSchedule int
	timer         *time.Timer // guarded by Scheduler.mu once armed
	observing     bool        // auto-resolve entered its observation window; guarded by Scheduler.mu
	state         atomic.Int32
}

// Scheduler holds issues through their wait window and triggers dispatch,
// cancellation, or auto-resolution. At most one pending escalation exists
// per dedup key; scheduling again (severity upgrade) supersedes the old one.
type Scheduler struct {
	store         *issues.Store
	onFire        FireHandler
	onAutoResolve AutoResolveHandler

	mu      sync.Mutex
	pending map[string]*pending
	fireSeq map[string]int
	stopped bool
}

// NewScheduler creates a scheduler over the given store.
func NewScheduler(store *issues.Store, onFire FireHandler, onAutoResolve AutoResolveHandler) *Scheduler {
	return &Scheduler{
		store:         store,
		onFire:        onFire,
		onAutoResolve: onAutoResolve,
		pending:       make(map[string]*pending),
		fireSeq:       make(map[string]int),
	}
}

// Schedule queues an escalation for issue under policy. Any pending
// escalation for the same key is cancelled first, so an upgraded issue
// waits its new policy's wait time from the upgrade moment and is never
// delayed by a lower-severity timer already in flight.
//
// With a zero wait and no auto-resolve the handoff to the fire handler is
// synchronous. With auto-resolve, an issue that has repeated by the wait
// deadline dispatches right then; otherwise the timer holds through the
// observation window and then either dispatches (a repeat arrived) or
// hands the issue to the auto-resolve handler.
func (s *Scheduler) Schedule(issue issues.Issue, policy Policy) (time.Time, bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return time.Time{}, false
	}

	s.cancelLocked(issue.Key)

	s.fireSeq[issue.Key]++
	fireID := fmt.Sprintf("%s#%d", issue.ID, s.fireSeq[issue.Key])
	now := time.Now()
	fireAt := now.Add(policy.Wait)

	if policy.Wait == 0 && !policy.AutoResolve {
		s.mu.Unlock()
		metrics.EscalationsScheduledTotal.WithLabelValues(string(issue.Severity)).Inc()
		log.Debug().
			Str("issueId", issue.ID).
			Str("fireId", fireID).
			Msg("Escalation firing immediately")
		s.onFire(issue, policy, fireID)
		return fireAt, true
	}

	p := &pending{
		key:           issue.Key,
		issueID:       issue.ID,
		fireID:        fireID,
		fireAt:        fireAt,
		policy:        policy,
		occAtSchedule: issue.Occurrences,
	}

	p.timer = time.AfterFunc(policy.Wait, func() { s.fire(p) })
	s.pending[issue.Key] = p
	s.mu.Unlock()

	metrics.EscalationsScheduledTotal.WithLabelValues(string(issue.Severity)).Inc()
	log.Info().
		Str("issueId", issue.ID).
		Str("fireId", fireID).
		Time("fireAt", fireAt).
		Bool("autoResolve", policy.AutoResolve).
		Msg("Escalation scheduled")
	return fireAt, true
}

func (s *Scheduler) fire(p *pending) {
	// Auto-resolve fires twice: once at the wait deadline, and, when no
	// repeat has arrived by then, once more after the observation window.
	// An already-repeated issue dispatches at the wait deadline directly.
	if p.policy.AutoResolve && !s.enterObservation(p) {
		return
	}

	if !p.state.CompareAndSwap(statePending, stateFired) {
		return
	}

	s.mu.Lock()
	if s.pending[p.key] == p {
		delete(s.pending, p.key)
	}
	s.mu.Unlock()

	issue, ok := s.store.Get(p.key)
	if !ok || issue.ID != p.issueID || !issue.Live() {
		// Issue resolved or superseded between CAS and lookup; nothing to fire.
		return
	}

	if p.policy.AutoResolve && issue.Occurrences == p.occAtSchedule {
		log.Info().
			Str("issueId", issue.ID).
			Int("occurrences", issue.Occurrences).
			Msg("Escalation suppressed, issue self-cleared within observation window")
		s.onAutoResolve(issue)
		return
	}

	s.onFire(issue, p.policy, p.fireID)
}

// enterObservation decides what an auto-resolve timer does at the wait
// deadline. It returns true when the entry should proceed to fire (repeat
// already seen, or the observation window has elapsed) and false when it
// re-armed the timer for the observation window or the entry is gone.
func (s *Scheduler) enterObservation(p *pending) bool {
	s.mu.Lock()
	if p.observing {
		s.mu.Unlock()
		return true
	}
	p.observing = true

	issue, ok := s.store.Get(p.key)
	if ok && issue.ID == p.issueID && issue.Live() && issue.Occurrences > p.occAtSchedule {
		s.mu.Unlock()
		return true
	}

	if s.pending[p.key] != p || p.state.Load() != statePending {
		s.mu.Unlock()
		return false
	}
	p.timer = time.AfterFunc(p.policy.ObservationWindow(), func() { s.fire(p) })
	s.mu.Unlock()

	log.Debug().
		Str("issueId", p.issueID).
		Dur("window", p.policy.ObservationWindow()).
		Msg("No repeat by fire time, holding through observation window")
	return false
}

// Cancel drops the pending escalation for key, if any. Returns true if a
// timer was cancelled before firing; false means there was nothing pending
// or the timer already fired and the dispatch is not retractable.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

func (s *Scheduler) cancelLocked(key string) bool {
	p, ok := s.pending[key]
	if !ok {
		return false
	}
	if !p.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	p.timer.Stop()
	delete(s.pending, key)
	metrics.EscalationsCancelledTotal.Inc()
	log.Debug().Str("dedupKey", key).Msg("Pending escalation cancelled")
	return true
}

// PendingCount returns how many escalations are waiting to fire.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending escalation and refuses further scheduling.
// Dropping (rather than firing) on shutdown is deliberate: nobody is left
// to watch retries complete, and the returned list lets the caller audit
// each dropped escalation.
func (s *Scheduler) Stop() []Dropped {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	var dropped []Dropped
	for key, p := range s.pending {
		if !p.state.CompareAndSwap(statePending, stateCancelled) {
			continue
		}
		p.timer.Stop()
		if issue, ok := s.store.Get(key); ok {
			dropped = append(dropped, Dropped{Issue: issue, FireAt: p.fireAt})
		}
	}
	s.pending = make(map[string]*pending)
	return dropped
}
