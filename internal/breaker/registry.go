package breaker

import (
	"sort"
	"sync"

	"github.com/allaspectsdev/switchyard/internal/clock"
)

// Registry is a thread-safe set of per-provider breakers. Breakers are
// created lazily on first access via Get.
type Registry struct {
	mu sync.Mutex

	breakers     map[string]*Breaker
	clk          clock.Clock
	cfg          Config
	onTransition func(Snapshot)
}

// NewRegistry creates a registry whose breakers share cfg. onTransition, if
// non-nil, is called outside the breaker lock after every state change.
func NewRegistry(clk clock.Clock, cfg Config, onTransition func(Snapshot)) *Registry {
	return &Registry{
		breakers:     make(map[string]*Breaker),
		clk:          clk,
		cfg:          cfg.withDefaults(),
		onTransition: onTransition,
	}
}

// Config returns the effective trip parameters.
func (r *Registry) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Get returns the breaker for provider id, creating one if necessary.
func (r *Registry) Get(id string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id)
}

func (r *Registry) getLocked(id string) *Breaker {
	b, ok := r.breakers[id]
	if !ok {
		b = New(id, r.clk, r.cfg)
		b.onTransition = r.onTransition
		r.breakers[id] = b
	}
	return b
}

// ConsecutiveFailures reports the failure streak of id without creating a
// breaker for providers that have never been called.
func (r *Registry) ConsecutiveFailures(id string) int {
	r.mu.Lock()
	b, ok := r.breakers[id]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return b.ConsecutiveFailures()
}

// Snapshots returns the state of every breaker, ordered by provider.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Restore seeds breakers from persisted snapshots. Snapshots recorded under a
// different open threshold are discarded; the number restored is returned.
func (r *Registry) Restore(snaps []Snapshot) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range snaps {
		if s.Provider == "" || s.OpenThreshold != r.cfg.OpenThreshold {
			continue
		}
		r.getLocked(s.Provider).restore(s)
		n++
	}
	return n
}
