// Package ratelimit implements per-provider sliding-window admission control.
package ratelimit

import (
	"sync"
	"time"
)

// Ticket identifies one admission so that it can be handed back with
// Release when the call it paid for never happened.
type Ticket struct {
	at  time.Time
	seq uint64
}

// Zero reports whether the ticket is empty.
func (t Ticket) Zero() bool { return t.seq == 0 }

type admission struct {
	at  time.Time
	seq uint64
}

// Limiter is a sliding-window counter for a single provider. The window is
// not wall-clock aligned: at any instant it covers [now-window, now].
type Limiter struct {
	mu sync.Mutex

	maxRequests int
	window      time.Duration

	ring         []admission // ordered by time, oldest first
	blockedUntil time.Time
	// upstreamBlock is true when blockedUntil came from an upstream
	// Retry-After rather than from the window being full.
	upstreamBlock bool
	nextSeq       uint64
}

// New creates a limiter admitting at most maxRequests per window.
func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		ring:        make([]admission, 0, maxRequests),
	}
}

// pruneLocked drops admissions older than now-window.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.ring) && l.ring[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.ring = append(l.ring[:0], l.ring[i:]...)
	}
}

// Admit tries to take a slot at now. It never blocks.
func (l *Limiter) Admit(now time.Time) (Ticket, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.blockedUntil) {
		return Ticket{}, false
	}
	l.upstreamBlock = false
	l.pruneLocked(now)

	if len(l.ring) >= l.maxRequests {
		l.blockedUntil = l.ring[0].at.Add(l.window)
		return Ticket{}, false
	}

	l.nextSeq++
	a := admission{at: now, seq: l.nextSeq}
	// Keep the ring ordered even if callers race with slightly skewed
	// timestamps.
	idx := len(l.ring)
	for idx > 0 && l.ring[idx-1].at.After(now) {
		idx--
	}
	l.ring = append(l.ring, admission{})
	copy(l.ring[idx+1:], l.ring[idx:])
	l.ring[idx] = a
	return Ticket{at: a.at, seq: a.seq}, true
}

// WouldAdmit reports whether Admit(now) would succeed, without consuming a
// slot or changing any state.
func (l *Limiter) WouldAdmit(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Before(l.blockedUntil) {
		return false
	}
	cutoff := now.Add(-l.window)
	n := 0
	for _, a := range l.ring {
		if !a.at.Before(cutoff) {
			n++
		}
	}
	return n < l.maxRequests
}

// Release returns an admission to the window. A block caused by a full
// window is lifted, since the slot it was waiting for is free again; a block
// imposed by the upstream through BlockUntil stays in force.
func (l *Limiter) Release(t Ticket) {
	if t.Zero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, a := range l.ring {
		if a.seq == t.seq {
			l.ring = append(l.ring[:i], l.ring[i+1:]...)
			if !l.upstreamBlock {
				l.blockedUntil = time.Time{}
			}
			return
		}
	}
}

// BlockUntil refuses all admissions before until, typically because the
// upstream answered with Retry-After. An earlier instant never shortens an
// existing block.
func (l *Limiter) BlockUntil(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
		l.upstreamBlock = true
	}
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// State is a point-in-time view of a limiter.
type State struct {
	InWindow     int       `json:"in_window"`
	MaxRequests  int       `json:"max_requests"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

// State returns a snapshot evaluated at now.
func (l *Limiter) State(now time.Time) State {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	n := 0
	for _, a := range l.ring {
		if !a.at.Before(cutoff) {
			n++
		}
	}
	s := State{InWindow: n, MaxRequests: l.maxRequests}
	if now.Before(l.blockedUntil) {
		s.BlockedUntil = l.blockedUntil
	}
	return s
}

// Registry is a thread-safe set of per-provider limiters, created lazily on
// first reference.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Get returns the limiter for id, creating one with the given budget if
// needed. A limiter whose budget no longer matches (the provider record was
// replaced) is recreated.
func (r *Registry) Get(id string, maxRequests int, window time.Duration) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[id]
	r.mu.RUnlock()

	if ok && l.maxRequests == maxRequests && l.window == window {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if l, ok = r.limiters[id]; ok && l.maxRequests == maxRequests && l.window == window {
		return l
	}

	l = New(maxRequests, window)
	r.limiters[id] = l
	return l
}

// Lookup returns the limiter for id if one has been created.
func (r *Registry) Lookup(id string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[id]
	return l, ok
}
