// Package breaker implements the per-provider circuit breaker used by the
// dispatcher to stop calling upstreams that keep failing.
package breaker

import (
	"sync"
	"time"

	"github.com/allaspectsdev/switchyard/internal/clock"
)

// State represents the state of a circuit breaker.
type State int

const (
	// Closed means the circuit is healthy; requests flow through.
	Closed State = iota
	// Open means the circuit has tripped; requests are rejected until the
	// cooldown elapses.
	Open
	// HalfOpen means the circuit is testing recovery with a single probe.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, bool) {
	switch s {
	case "closed":
		return Closed, true
	case "open":
		return Open, true
	case "half_open":
		return HalfOpen, true
	}
	return Closed, false
}

const (
	DefaultOpenThreshold = 5
	DefaultCooldown      = 60 * time.Second
)

// Config holds the trip parameters shared by every breaker in a registry.
type Config struct {
	OpenThreshold int
	Cooldown      time.Duration
}

func (c Config) withDefaults() Config {
	if c.OpenThreshold <= 0 {
		c.OpenThreshold = DefaultOpenThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Snapshot is a serialisable view of one breaker.
type Snapshot struct {
	Provider            string    `json:"provider"`
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextAttemptAt       time.Time `json:"next_attempt_at,omitempty"`
	OpenThreshold       int       `json:"open_threshold"`
	LastError           string    `json:"last_error,omitempty"`
}

// Breaker is the state machine for a single provider:
// Closed -> Open after OpenThreshold consecutive failures,
// Open -> HalfOpen once the cooldown has elapsed,
// HalfOpen -> Closed on the probe's success or back to Open on its failure.
type Breaker struct {
	mu sync.Mutex

	id  string
	clk clock.Clock
	cfg Config

	state               State
	consecutiveFailures int
	nextAttemptAt       time.Time
	probeInFlight       bool
	lastError           string

	onTransition func(Snapshot)
}

// New creates a closed breaker for provider id.
func New(id string, clk clock.Clock, cfg Config) *Breaker {
	return &Breaker{id: id, clk: clk, cfg: cfg.withDefaults()}
}

// Allow reports whether a request may be sent now. In the Open state it moves
// to HalfOpen once the cooldown has elapsed and admits exactly one probe;
// every other caller is refused until that probe reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	now := b.clk.Now()
	notify := b.advanceLocked(now)

	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case HalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			allowed = true
		}
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if notify {
		b.notify(snap)
	}
	return allowed
}

// WouldAllow reports what Allow would return without claiming the probe.
func (b *Breaker) WouldAllow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return !b.clk.Now().Before(b.nextAttemptAt)
	case HalfOpen:
		return !b.probeInFlight
	}
	return false
}

// advanceLocked performs the time-driven Open -> HalfOpen transition and
// reports whether the state changed.
func (b *Breaker) advanceLocked(now time.Time) bool {
	if b.state == Open && !now.Before(b.nextAttemptAt) {
		b.state = HalfOpen
		b.probeInFlight = false
		return true
	}
	return false
}

// RecordSuccess records a successful call. A success in HalfOpen closes the
// circuit. A late success arriving while Open is ignored so that the open
// period is never cut short.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	changed := false
	switch b.state {
	case Closed:
		b.consecutiveFailures = 0
	case HalfOpen:
		b.state = Closed
		b.consecutiveFailures = 0
		b.probeInFlight = false
		b.nextAttemptAt = time.Time{}
		b.lastError = ""
		changed = true
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if changed {
		b.notify(snap)
	}
}

// RecordFailure records a provider-fault failure. In Closed it trips the
// circuit once the threshold is reached; in HalfOpen it re-opens
// immediately with a fresh cooldown.
func (b *Breaker) RecordFailure(detail string) {
	b.mu.Lock()
	now := b.clk.Now()
	b.consecutiveFailures++
	if detail != "" {
		b.lastError = detail
	}

	changed := false
	switch b.state {
	case Closed:
		if b.consecutiveFailures >= b.cfg.OpenThreshold {
			b.state = Open
			b.nextAttemptAt = now.Add(b.cfg.Cooldown)
			changed = true
		}
	case HalfOpen:
		b.state = Open
		b.probeInFlight = false
		b.nextAttemptAt = now.Add(b.cfg.Cooldown)
		changed = true
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if changed {
		b.notify(snap)
	}
}

// Release ends an admitted call that counted as neither success nor failure,
// such as a cancelled request. A HalfOpen probe slot becomes free again.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probeInFlight = false
	}
}

// State returns the current state, applying any elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	notify := b.advanceLocked(b.clk.Now())
	s := b.state
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if notify {
		b.notify(snap)
	}
	return s
}

// ConsecutiveFailures returns the current failure streak.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Snapshot returns a copy of the breaker's persisted fields.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Provider:            b.id,
		State:               b.state,
		StateName:           b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		NextAttemptAt:       b.nextAttemptAt,
		OpenThreshold:       b.cfg.OpenThreshold,
		LastError:           b.lastError,
	}
}

// restore loads persisted state. A snapshot taken in HalfOpen is restored as
// Open with its retry instant unchanged, since the probe it was waiting on
// died with the previous process.
func (b *Breaker) restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = s.ConsecutiveFailures
	b.lastError = s.LastError
	b.probeInFlight = false
	switch s.State {
	case Open, HalfOpen:
		b.state = Open
		b.nextAttemptAt = s.NextAttemptAt
	default:
		b.state = Closed
		b.nextAttemptAt = time.Time{}
		if b.consecutiveFailures >= b.cfg.OpenThreshold {
			b.consecutiveFailures = b.cfg.OpenThreshold - 1
		}
	}
}

func (b *Breaker) notify(s Snapshot) {
	if b.onTransition != nil {
		b.onTransition(s)
	}
}
