package gateway

import (
	"context"
	"time"

	"github.com/allaspectsdev/switchyard/internal/cache"
	"github.com/allaspectsdev/switchyard/internal/fallback"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/ratelimit"
	"github.com/allaspectsdev/switchyard/internal/registry"
)

// ProviderHealth describes one provider's admission state.
type ProviderHealth struct {
	Provider            string           `json:"provider"`
	Kind                string           `json:"kind"`
	Priority            int              `json:"priority"`
	Enabled             bool             `json:"enabled"`
	State               string           `json:"state"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	NextAttemptAt       *time.Time       `json:"next_attempt_at,omitempty"`
	LastError           string           `json:"last_error,omitempty"`
	Limiter             *ratelimit.State `json:"limiter,omitempty"`
}

// Health reports every provider of service, enabled or not, ordered the way
// Lookup would order the enabled ones. An empty service reports every
// service in turn.
func (g *Gateway) Health(service registry.Service) []ProviderHealth {
	services := []registry.Service{service}
	if service == "" {
		services = g.reg.Services()
	}
	all := g.reg.All()
	var provs []registry.Provider
	for _, svc := range services {
		provs = append(provs, g.reg.Lookup(svc)...)
		for _, p := range all {
			if p.Service == svc && !p.Enabled {
				provs = append(provs, p)
			}
		}
	}

	now := g.clk.Now()
	out := make([]ProviderHealth, 0, len(provs))
	for _, p := range provs {
		snap := g.breakers.Get(p.ID()).Snapshot()
		h := ProviderHealth{
			Provider:            p.ID(),
			Kind:                string(p.Kind),
			Priority:            p.Priority,
			Enabled:             p.Enabled,
			State:               snap.State.String(),
			ConsecutiveFailures: snap.ConsecutiveFailures,
			LastError:           snap.LastError,
		}
		if !snap.NextAttemptAt.IsZero() {
			t := snap.NextAttemptAt
			h.NextAttemptAt = &t
		}
		if lim, ok := g.limiters.Lookup(p.ID()); ok {
			st := lim.State(now)
			h.Limiter = &st
		}
		g.metrics.SetCircuitState(p.ID(), int(snap.State))
		out = append(out, h)
	}
	return out
}

// Statistics returns the aggregate counters per provider.
func (g *Gateway) Statistics() *metrics.Stats {
	return g.metrics.Stats()
}

// Metrics exposes the collector, e.g. for a Prometheus handler.
func (g *Gateway) Metrics() *metrics.Collector { return g.metrics }

// CacheUsage reports cache occupancy.
func (g *Gateway) CacheUsage() cache.Usage { return g.cache.Usage() }

// Invalidate removes one cached entry, or every entry of namespace when
// fingerprint is empty.
func (g *Gateway) Invalidate(namespace, fingerprint string) error {
	if namespace == "" {
		return callerErrorf("namespace is required")
	}
	if err := g.cache.Invalidate(namespace, fingerprint); err != nil {
		return err
	}
	g.logger.Info().Str("namespace", namespace).Str("fingerprint", fingerprint).Msg("cache invalidated")
	return nil
}

// Online reports the advisory connectivity signal. Without a monitor the
// gateway assumes it is online.
func (g *Gateway) Online() bool {
	if g.monitor == nil {
		return true
	}
	return g.monitor.Online()
}

// Connectivity returns the last monitor observation, if a monitor is wired.
func (g *Gateway) Connectivity() (fallback.Status, bool) {
	if g.monitor == nil {
		return fallback.Status{}, false
	}
	return g.monitor.Status(), true
}

// CheckConnectivity runs a monitor probe now.
func (g *Gateway) CheckConnectivity(ctx context.Context) (fallback.Status, bool) {
	if g.monitor == nil {
		return fallback.Status{}, false
	}
	return g.monitor.Check(ctx), true
}
