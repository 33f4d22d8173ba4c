// Package fallback produces degraded answers when every live provider for a
// request has failed: a stale cache entry, a compiled-in table, or nothing.
// It also owns the advisory online/offline signal.
package fallback

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/cache"
	"github.com/allaspectsdev/switchyard/internal/clock"
	"github.com/allaspectsdev/switchyard/internal/normalize"
	"github.com/allaspectsdev/switchyard/internal/registry"
)

// Strategy is one step of a fallback chain.
type Strategy string

const (
	StaleCache  Strategy = "stale-cache"
	StaticTable Strategy = "static-table"
	Unavailable Strategy = "unavailable"
)

// Reason tags a degraded result with where it came from.
type Reason string

const (
	ReasonStale  Reason = "stale"
	ReasonStatic Reason = "static"
)

// Degradation annotates a result that did not come from a live provider.
type Degradation struct {
	Reason Reason `json:"reason"`
	// CachedAt is when a stale entry was originally stored.
	CachedAt *time.Time `json:"cached_at,omitempty"`
	// Source is the provider a stale entry came from, or "static".
	Source string `json:"source,omitempty"`
}

var chains = map[registry.Service][]Strategy{
	registry.ServiceWeather: {StaleCache, Unavailable},
	registry.ServiceChat:    {StaleCache, Unavailable},
	registry.ServiceRates:   {StaleCache, StaticTable, Unavailable},
}

var defaultChain = []Strategy{StaleCache, Unavailable}

// Chain returns the strategies tried for service, in order.
func Chain(service registry.Service) []Strategy {
	if c, ok := chains[service]; ok {
		return append([]Strategy(nil), c...)
	}
	return append([]Strategy(nil), defaultChain...)
}

// Request describes the failed request being rescued.
type Request struct {
	Service   registry.Service
	Operation registry.Operation
	// Stale is the expired cache entry observed before dispatch, if any.
	Stale *cache.Entry
	// Options are the normalizer options of the original request. Base and
	// Quote drive the static table.
	Options normalize.Options
}

// Orchestrator walks the fallback chain.
type Orchestrator struct {
	clk    clock.Clock
	norm   *normalize.Normalizer
	rates  *RateTable
	logger zerolog.Logger
}

// New creates an Orchestrator. A nil table selects DefaultRates.
func New(clk clock.Clock, rates *RateTable, logger zerolog.Logger) *Orchestrator {
	if rates == nil {
		rates = DefaultRates()
	}
	return &Orchestrator{
		clk:    clk,
		norm:   normalize.New(clk),
		rates:  rates,
		logger: logger,
	}
}

// Resolve returns a degraded result, or ok=false when the chain ends in
// Unavailable.
func (o *Orchestrator) Resolve(req Request) (result normalize.Result, deg Degradation, ok bool) {
	for _, s := range Chain(req.Service) {
		switch s {
		case StaleCache:
			if r, d, ok := o.stale(req); ok {
				return r, d, true
			}
		case StaticTable:
			if r, d, ok := o.static(req); ok {
				return r, d, true
			}
		case Unavailable:
			o.logger.Debug().
				Str("service", string(req.Service)).
				Str("operation", string(req.Operation)).
				Msg("fallback exhausted")
			return normalize.Result{}, Degradation{}, false
		}
	}
	return normalize.Result{}, Degradation{}, false
}

func (o *Orchestrator) stale(req Request) (normalize.Result, Degradation, bool) {
	if req.Stale == nil || len(req.Stale.Payload) == 0 {
		return normalize.Result{}, Degradation{}, false
	}
	r, err := o.norm.Normalize(normalize.KindCanonical, req.Operation, req.Stale.Payload, req.Options)
	if err != nil {
		o.logger.Warn().Err(err).Str("fingerprint", req.Stale.Fingerprint).Msg("stale entry unusable")
		return normalize.Result{}, Degradation{}, false
	}
	cachedAt := req.Stale.CreatedAt.UTC()
	return r, Degradation{Reason: ReasonStale, CachedAt: &cachedAt, Source: req.Stale.SourceProvider}, true
}

func (o *Orchestrator) static(req Request) (normalize.Result, Degradation, bool) {
	if req.Service != registry.ServiceRates {
		return normalize.Result{}, Degradation{}, false
	}
	base := req.Options.Base
	var quotes map[string]float64

	switch req.Operation {
	case registry.OpPair:
		rate, err := o.rates.Rate(base, req.Options.Quote)
		if err != nil {
			o.logger.Debug().Err(err).Msg("static table cannot price pair")
			return normalize.Result{}, Degradation{}, false
		}
		quotes = map[string]float64{req.Options.Quote: rate}
	case registry.OpLatest:
		q, err := o.rates.Quotes(base)
		if err != nil {
			return normalize.Result{}, Degradation{}, false
		}
		quotes = q
	default:
		return normalize.Result{}, Degradation{}, false
	}

	asOf := o.rates.AsOf()
	if asOf.IsZero() {
		asOf = o.clk.Now().UTC()
	}
	r := normalize.Result{
		Service:   registry.ServiceRates,
		Operation: req.Operation,
		Rates:     &normalize.Rates{Base: base, AsOf: asOf, Quotes: quotes},
	}
	return r, Degradation{Reason: ReasonStatic, Source: "static"}, true
}
