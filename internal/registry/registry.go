// Package registry owns the provider records of the gateway and produces the
// stable candidate ordering used by the dispatcher.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrDuplicateProvider is returned when registering a (service, name)
	// pair that already exists without asking for replacement.
	ErrDuplicateProvider = errors.New("registry: duplicate provider")
	// ErrInvalidProvider wraps every structural validation failure.
	ErrInvalidProvider = errors.New("registry: invalid provider")
	// ErrUnknownProvider is returned when no record matches a name.
	ErrUnknownProvider = errors.New("registry: unknown provider")
)

// FailureCounter reports the current consecutive failure count of a provider.
// The breaker registry satisfies it.
type FailureCounter interface {
	ConsecutiveFailures(id string) int
}

type snapshot map[string]Provider

// Registry is a read-mostly, copy-on-write store of provider records.
// Lookups never take a lock; writers serialise on mu and publish a fresh map.
type Registry struct {
	mu       sync.Mutex
	current  atomic.Pointer[snapshot]
	failures FailureCounter
}

// New creates an empty Registry. failures may be nil, in which case every
// provider is treated as having zero failures for ordering purposes.
func New(failures FailureCounter) *Registry {
	r := &Registry{failures: failures}
	empty := snapshot{}
	r.current.Store(&empty)
	return r
}

// SetFailureCounter installs the failure source used by Lookup ordering.
func (r *Registry) SetFailureCounter(fc FailureCounter) {
	r.mu.Lock()
	r.failures = fc
	r.mu.Unlock()
}

func (r *Registry) load() snapshot {
	return *r.current.Load()
}

// copyLocked returns a mutable copy of the current map. Callers hold mu.
func (r *Registry) copyLocked() snapshot {
	cur := r.load()
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// Register adds p, or replaces an existing record with the same
// (service, name) when replace is true.
func (r *Registry) Register(p Provider, replace bool) error {
	if err := p.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.copyLocked()
	if _, exists := next[p.ID()]; exists && !replace {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.ID())
	}
	next[p.ID()] = p.clone()
	r.current.Store(&next)
	return nil
}

// ReplaceAll validates every record and then swaps the entire mapping in one
// step. Either all records are installed or none are.
func (r *Registry) ReplaceAll(providers []Provider) error {
	next := make(snapshot, len(providers))
	for _, p := range providers {
		if err := p.validate(); err != nil {
			return err
		}
		if _, exists := next[p.ID()]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.ID())
		}
		next[p.ID()] = p.clone()
	}

	r.mu.Lock()
	r.current.Store(&next)
	r.mu.Unlock()
	return nil
}

// Get returns the record for (service, name).
func (r *Registry) Get(service Service, name string) (Provider, bool) {
	p, ok := r.load()[Provider{Service: service, Name: name}.ID()]
	return p, ok
}

// All returns every record, enabled or not, ordered by ID.
func (r *Registry) All() []Provider {
	cur := r.load()
	out := make([]Provider, 0, len(cur))
	for _, p := range cur {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Lookup returns the enabled providers of service ordered by priority
// (descending), then consecutive failures (ascending), then name.
func (r *Registry) Lookup(service Service) []Provider {
	cur := r.load()

	r.mu.Lock()
	fc := r.failures
	r.mu.Unlock()

	type ranked struct {
		p        Provider
		failures int
	}
	var candidates []ranked
	for _, p := range cur {
		if p.Service != service || !p.Enabled {
			continue
		}
		f := 0
		if fc != nil {
			f = fc.ConsecutiveFailures(p.ID())
		}
		candidates = append(candidates, ranked{p: p.clone(), failures: f})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.p.Priority != b.p.Priority {
			return a.p.Priority > b.p.Priority
		}
		if a.failures != b.failures {
			return a.failures < b.failures
		}
		return a.p.Name < b.p.Name
	})

	out := make([]Provider, len(candidates))
	for i, c := range candidates {
		out[i] = c.p
	}
	return out
}

// SetEnabled toggles every record named name, across services.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.copyLocked()
	found := false
	for id, p := range next {
		if p.Name != name {
			continue
		}
		p.Enabled = enabled
		next[id] = p
		found = true
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	r.current.Store(&next)
	return nil
}

// Disable turns off a single record by ID. It is used when a provider
// rejects its credential and must stay off until an operator intervenes.
func (r *Registry) Disable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.copyLocked()
	p, ok := next[id]
	if !ok || !p.Enabled {
		return
	}
	p.Enabled = false
	next[id] = p
	r.current.Store(&next)
}

// Services returns the distinct services with at least one record.
func (r *Registry) Services() []Service {
	seen := make(map[Service]bool)
	for _, p := range r.load() {
		seen[p.Service] = true
	}
	out := make([]Service, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
