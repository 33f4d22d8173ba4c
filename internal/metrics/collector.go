// Package metrics keeps in-process counters for the gateway and exposes them
// as JSON statistics and in Prometheus text format.
package metrics

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allaspectsdev/switchyard/internal/clock"
)

// Request outcomes, as reported to RecordOutcome.
const (
	OutcomeHit         = "hit"
	OutcomeLive        = "live"
	OutcomeStale       = "stale"
	OutcomeStatic      = "static"
	OutcomeExhausted   = "exhausted"
	OutcomeCallerError = "caller_error"
	OutcomeCancelled   = "cancelled"
)

// Skip reasons, as reported to RecordSkip.
const (
	SkipRateLimited = "rate_limited"
	SkipCircuitOpen = "circuit_open"
)

// Collector tracks live metrics using atomic counters for lock-free,
// concurrent-safe updates. Per-provider counters are created on first use.
type Collector struct {
	clk       clock.Clock
	startTime time.Time

	totalRequests  atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	activeRequests atomic.Int64

	mu        sync.RWMutex
	providers map[string]*providerCounters

	outcomes *counterVec
	attempts *counterVec
	skips    *counterVec
	latency  *histogramVec
	circuit  *gaugeVec
}

type providerCounters struct {
	attempts       atomic.Int64
	successes      atomic.Int64
	failures       atomic.Int64
	skippedLimiter atomic.Int64
	skippedBreaker atomic.Int64
	latencyMicros  atomic.Int64
	lastClass      atomic.Value // string
}

// Stats is a point-in-time snapshot of the collector's counters.
type Stats struct {
	Uptime         string           `json:"uptime"`
	TotalRequests  int64            `json:"total_requests"`
	CacheHits      int64            `json:"cache_hits"`
	CacheMisses    int64            `json:"cache_misses"`
	CacheHitRate   float64          `json:"cache_hit_rate"`
	ActiveRequests int64            `json:"active_requests"`
	Outcomes       map[string]int64 `json:"outcomes"`
	Providers      []ProviderStats  `json:"providers"`
}

// ProviderStats aggregates the attempts made against one provider.
type ProviderStats struct {
	Provider       string  `json:"provider"`
	Attempts       int64   `json:"attempts"`
	Successes      int64   `json:"successes"`
	Failures       int64   `json:"failures"`
	SkippedLimiter int64   `json:"skipped_rate_limited"`
	SkippedBreaker int64   `json:"skipped_circuit_open"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	LastOutcome    string  `json:"last_outcome,omitempty"`
}

// NewCollector creates a Collector whose uptime is measured on clk.
func NewCollector(clk clock.Clock) *Collector {
	return &Collector{
		clk:       clk,
		startTime: clk.Now(),
		providers: make(map[string]*providerCounters),
		outcomes:  newCounterVec(),
		attempts:  newCounterVec(),
		skips:     newCounterVec(),
		latency:   newHistogramVec(defaultBuckets),
		circuit:   newGaugeVec(),
	}
}

func (c *Collector) provider(id string) *providerCounters {
	c.mu.RLock()
	pc, ok := c.providers[id]
	c.mu.RUnlock()
	if ok {
		return pc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pc, ok = c.providers[id]; ok {
		return pc
	}
	pc = &providerCounters{}
	c.providers[id] = pc
	return pc
}

// RecordCache counts a cache lookup made by the dispatcher.
func (c *Collector) RecordCache(hit bool) {
	if hit {
		c.cacheHits.Add(1)
	} else {
		c.cacheMisses.Add(1)
	}
}

// RecordOutcome counts one finished request.
func (c *Collector) RecordOutcome(service, outcome string) {
	c.totalRequests.Add(1)
	c.outcomes.Inc(map[string]string{"service": service, "outcome": outcome})
}

// RecordAttempt counts one executor call. class is the outcome
// classification name.
func (c *Collector) RecordAttempt(provider, class string, success bool, latency time.Duration) {
	pc := c.provider(provider)
	pc.attempts.Add(1)
	if success {
		pc.successes.Add(1)
	} else {
		pc.failures.Add(1)
	}
	pc.latencyMicros.Add(latency.Microseconds())
	pc.lastClass.Store(class)

	c.attempts.Inc(map[string]string{"provider": provider, "classification": class})
	c.latency.Observe(map[string]string{"provider": provider}, latency.Seconds())
}

// RecordSkip counts a candidate passed over without an executor call.
func (c *Collector) RecordSkip(provider, reason string) {
	pc := c.provider(provider)
	switch reason {
	case SkipRateLimited:
		pc.skippedLimiter.Add(1)
	case SkipCircuitOpen:
		pc.skippedBreaker.Add(1)
	}
	c.skips.Inc(map[string]string{"provider": provider, "reason": reason})
}

// SetCircuitState records a breaker state (0=closed, 1=open, 2=half-open).
func (c *Collector) SetCircuitState(provider string, state int) {
	c.circuit.Set(map[string]string{"provider": provider}, float64(state))
}

// IncrementActive increments the active request counter.
func (c *Collector) IncrementActive() { c.activeRequests.Add(1) }

// DecrementActive decrements the active request counter.
func (c *Collector) DecrementActive() { c.activeRequests.Add(-1) }

// Uptime returns the time since the collector was created.
func (c *Collector) Uptime() time.Duration {
	return c.clk.Now().Sub(c.startTime)
}

// Stats returns a point-in-time snapshot of all metrics.
func (c *Collector) Stats() *Stats {
	hits := c.cacheHits.Load()
	misses := c.cacheMisses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	outcomes := make(map[string]int64)
	for _, e := range c.outcomes.snapshot() {
		outcomes[e.labels["outcome"]] += e.value
	}

	c.mu.RLock()
	providers := make([]ProviderStats, 0, len(c.providers))
	for id, pc := range c.providers {
		ps := ProviderStats{
			Provider:       id,
			Attempts:       pc.attempts.Load(),
			Successes:      pc.successes.Load(),
			Failures:       pc.failures.Load(),
			SkippedLimiter: pc.skippedLimiter.Load(),
			SkippedBreaker: pc.skippedBreaker.Load(),
		}
		if ps.Attempts > 0 {
			ps.AvgLatencyMs = float64(pc.latencyMicros.Load()) / float64(ps.Attempts) / 1000
		}
		if last, ok := pc.lastClass.Load().(string); ok {
			ps.LastOutcome = last
		}
		providers = append(providers, ps)
	}
	c.mu.RUnlock()
	sort.Slice(providers, func(i, j int) bool { return providers[i].Provider < providers[j].Provider })

	return &Stats{
		Uptime:         formatDuration(c.Uptime()),
		TotalRequests:  c.totalRequests.Load(),
		CacheHits:      hits,
		CacheMisses:    misses,
		CacheHitRate:   hitRate,
		ActiveRequests: c.activeRequests.Load(),
		Outcomes:       outcomes,
		Providers:      providers,
	}
}

// formatDuration produces a human-readable duration string like "2d 5h 32m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	s := ""
	for _, part := range []struct {
		v    int
		unit string
	}{{days, "d"}, {hours, "h"}, {minutes, "m"}} {
		if part.v == 0 {
			continue
		}
		if s != "" {
			s += " "
		}
		s += strconv.Itoa(part.v) + part.unit
	}
	if s == "" {
		return "0m"
	}
	return s
}
