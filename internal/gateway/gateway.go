// Package gateway is the dispatcher at the centre of switchyard. A request
// is answered from the cache when fresh, otherwise by trying each admissible
// provider of the service in order, and finally by the fallback chain when
// every provider has failed.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/breaker"
	"github.com/allaspectsdev/switchyard/internal/cache"
	"github.com/allaspectsdev/switchyard/internal/clock"
	"github.com/allaspectsdev/switchyard/internal/executor"
	"github.com/allaspectsdev/switchyard/internal/fallback"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/normalize"
	"github.com/allaspectsdev/switchyard/internal/ratelimit"
	"github.com/allaspectsdev/switchyard/internal/registry"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// Cache sources reported in Result.Cache.
const (
	SourceHit  = "hit"
	SourceMiss = "miss"
)

// Result is a normalized answer plus how it was obtained.
type Result struct {
	normalize.Result

	RequestID   string `json:"request_id"`
	Fingerprint string `json:"fingerprint"`
	// Provider is the provider that produced the payload; for cache hits
	// it is the provider that originally did.
	Provider string `json:"provider,omitempty"`
	Cache    string `json:"cache"`
	// Degraded is set when the payload came from the fallback chain.
	Degraded *fallback.Degradation `json:"degraded,omitempty"`
	Attempts []Attempt             `json:"attempts,omitempty"`
}

// Deps are the collaborators of a Gateway. Registry, Executor and Cache are
// required; the rest are optional.
type Deps struct {
	Clock    clock.Clock
	Registry *registry.Registry
	Limiters *ratelimit.Registry
	Breakers *breaker.Registry
	Executor executor.Executor
	Cache    *cache.Cache
	Fallback *fallback.Orchestrator
	Monitor  *fallback.Monitor
	Metrics  *metrics.Collector
	Recorder Recorder
	Logger   zerolog.Logger
}

// Gateway is safe for concurrent use.
type Gateway struct {
	clk      clock.Clock
	reg      *registry.Registry
	limiters *ratelimit.Registry
	breakers *breaker.Registry
	exec     executor.Executor
	cache    *cache.Cache
	norm     *normalize.Normalizer
	fallback *fallback.Orchestrator
	monitor  *fallback.Monitor
	metrics  *metrics.Collector
	recorder Recorder
	logger   zerolog.Logger

	mu  sync.RWMutex
	cfg Config
}

// New wires a Gateway from deps.
func New(deps Deps, cfg Config) (*Gateway, error) {
	if deps.Registry == nil || deps.Executor == nil || deps.Cache == nil {
		return nil, errors.New("gateway: registry, executor and cache are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Limiters == nil {
		deps.Limiters = ratelimit.NewRegistry()
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(deps.Clock, breaker.Config{}, nil)
	}
	if deps.Fallback == nil {
		deps.Fallback = fallback.New(deps.Clock, nil, deps.Logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(deps.Clock)
	}
	deps.Registry.SetFailureCounter(deps.Breakers)

	return &Gateway{
		clk:      deps.Clock,
		reg:      deps.Registry,
		limiters: deps.Limiters,
		breakers: deps.Breakers,
		exec:     deps.Executor,
		cache:    deps.Cache,
		norm:     normalize.New(deps.Clock),
		fallback: deps.Fallback,
		monitor:  deps.Monitor,
		metrics:  deps.Metrics,
		recorder: deps.Recorder,
		logger:   deps.Logger,
		cfg:      cfg,
	}, nil
}

// SetConfig swaps the gateway-wide settings, e.g. after a config reload.
func (g *Gateway) SetConfig(cfg Config) {
	g.mu.Lock()
	g.cfg = cfg
	g.mu.Unlock()
}

func (g *Gateway) config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// built is what a single builder hands to every caller sharing it.
type built struct {
	result    normalize.Result
	provider  string
	fromCache bool
	attempts  []Attempt
}

// Request answers one operation of service. See the package documentation
// for the order in which sources are consulted.
func (g *Gateway) Request(ctx context.Context, service registry.Service, op registry.Operation, args map[string]string, opts Options) (*Result, error) {
	start := g.clk.Now()
	g.metrics.IncrementActive()
	defer g.metrics.DecrementActive()

	p, err := prepare(service, op, args, opts)
	if err != nil {
		g.metrics.RecordOutcome(string(service), metrics.OutcomeCallerError)
		return nil, err
	}

	ctx, span := tracing.StartDispatchSpan(ctx, string(service), string(op), p.fingerprint)
	defer span.End()

	logger := g.logger.With().
		Str("service", string(service)).
		Str("operation", string(op)).
		Str("fingerprint", p.fingerprint).
		Logger()

	res, err := g.request(ctx, p, opts, logger)

	outcome := outcomeOf(res, err)
	g.metrics.RecordOutcome(string(service), outcome)
	if res != nil {
		degraded := ""
		if res.Degraded != nil {
			degraded = string(res.Degraded.Reason)
		}
		tracing.SetResultAttributes(ctx, res.Cache, res.Provider, degraded, len(res.Attempts))
	} else {
		tracing.RecordError(ctx, err)
	}
	g.record(p, res, err, outcome, g.clk.Now().Sub(start), logger)
	return res, err
}

func (g *Gateway) request(ctx context.Context, p *prepared, opts Options, logger zerolog.Logger) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	lookup := g.cache.Get(p.namespace(), p.fingerprint)
	if lookup.Status == cache.Hit {
		r, err := g.decode(p, lookup.Entry)
		if err == nil {
			g.metrics.RecordCache(true)
			logger.Debug().Msg("cache hit")
			return &Result{
				Result:      r,
				RequestID:   newRequestID(),
				Fingerprint: p.fingerprint,
				Provider:    lookup.Entry.SourceProvider,
				Cache:       SourceHit,
			}, nil
		}
		logger.Warn().Err(err).Msg("cached entry unusable, refetching")
	}
	g.metrics.RecordCache(false)

	var stale *cache.Entry
	if lookup.Status == cache.Expired {
		stale = lookup.Entry
	}

	if opts.ForceOffline {
		logger.Debug().Msg("offline requested, skipping providers")
		return g.degrade(p, stale, nil)
	}

	budget := g.budget(p.service)
	dctx := ctx
	if budget > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	var local attemptLog
	b, _, err := cache.Build(dctx, g.cache, p.namespace(), p.fingerprint, func(bctx context.Context) (built, error) {
		return g.dispatch(bctx, p, opts, &local, logger)
	})
	if err == nil {
		res := &Result{
			Result:      b.result,
			RequestID:   newRequestID(),
			Fingerprint: p.fingerprint,
			Provider:    b.provider,
			Cache:       SourceMiss,
			Attempts:    b.attempts,
		}
		if b.fromCache {
			res.Cache = SourceHit
		}
		return res, nil
	}

	var ce *CallerError
	if errors.As(err, &ce) {
		return nil, ce
	}
	if ctx.Err() != nil {
		logger.Debug().Msg("request cancelled by caller")
		return nil, ErrCancelled
	}

	attempts := attemptsOf(err)
	if attempts == nil {
		attempts = local.snapshot()
	}
	if dctx.Err() != nil {
		attempts = append(attempts, Attempt{Provider: "*", Classification: budgetExceeded, Detail: budget.String()})
		logger.Warn().Dur("budget", budget).Msg("request budget exhausted")
	}
	return g.degrade(p, stale, attempts)
}

// degrade consults the fallback chain after the live path produced nothing.
func (g *Gateway) degrade(p *prepared, stale *cache.Entry, attempts []Attempt) (*Result, error) {
	r, deg, ok := g.fallback.Resolve(fallback.Request{
		Service:   p.service,
		Operation: p.op,
		Stale:     stale,
		Options:   p.norm,
	})
	if !ok {
		return nil, &ExhaustedError{
			Service:   string(p.service),
			Operation: string(p.op),
			Attempts:  attempts,
		}
	}
	g.logger.Info().
		Str("service", string(p.service)).
		Str("operation", string(p.op)).
		Str("reason", string(deg.Reason)).
		Msg("serving degraded result")
	return &Result{
		Result:      r,
		RequestID:   newRequestID(),
		Fingerprint: p.fingerprint,
		Provider:    deg.Source,
		Cache:       SourceMiss,
		Degraded:    &deg,
		Attempts:    attempts,
	}, nil
}

// dispatch walks the candidates. It runs once per fingerprint at a time,
// inside the cache's single-builder section.
func (g *Gateway) dispatch(ctx context.Context, p *prepared, opts Options, log *attemptLog, logger zerolog.Logger) (built, error) {
	// A builder that finished just before this one started may already
	// have stored the answer.
	if lk := g.cache.Get(p.namespace(), p.fingerprint); lk.Status == cache.Hit {
		if r, err := g.decode(p, lk.Entry); err == nil {
			return built{result: r, provider: lk.Entry.SourceProvider, fromCache: true}, nil
		}
	}

	for _, prov := range g.candidates(p, opts.PreferredProvider) {
		if ctx.Err() != nil {
			return built{}, &abortedError{cause: ctx.Err(), attempts: log.snapshot()}
		}
		id := prov.ID()
		plog := logger.With().Str("provider", id).Logger()

		lim := g.limiters.Get(id, prov.Limit.MaxRequests, prov.Limit.Window)
		ticket, ok := lim.Admit(g.clk.Now())
		if !ok {
			plog.Debug().Msg("rate limiter refused, skipping provider")
			g.metrics.RecordSkip(id, metrics.SkipRateLimited)
			log.add(Attempt{Provider: id, Classification: skipRateLimited, Skipped: true})
			continue
		}

		br := g.breakers.Get(id)
		if !br.Allow() {
			lim.Release(ticket)
			plog.Debug().Msg("circuit breaker open, skipping provider")
			g.metrics.RecordSkip(id, metrics.SkipCircuitOpen)
			log.add(Attempt{Provider: id, Classification: skipCircuitOpen, Skipped: true})
			continue
		}

		out := g.exec.Execute(ctx, prov, p.call)
		class, detail := out.Class, out.Detail

		if class == executor.Success {
			r, err := g.norm.Normalize(prov.Kind, p.op, out.Body, p.norm)
			if err == nil {
				br.RecordSuccess()
				g.metrics.RecordAttempt(id, class.String(), true, out.Latency)
				log.add(Attempt{Provider: id, Classification: class.String()})
				g.store(p, opts, r, id, plog)
				plog.Debug().Dur("latency", out.Latency).Msg("provider succeeded")
				return built{result: r, provider: id, attempts: log.snapshot()}, nil
			}
			class, detail = executor.MalformedResponse, err.Error()
		}

		g.metrics.RecordAttempt(id, class.String(), false, out.Latency)

		if !class.Failover() {
			br.Release()
			if class == executor.Cancelled {
				lim.Release(ticket)
				cause := ctx.Err()
				if cause == nil {
					cause = context.Canceled
				}
				return built{}, &abortedError{cause: cause, attempts: log.snapshot()}
			}
			plog.Info().Str("detail", detail).Msg("provider rejected request")
			return built{}, &CallerError{Detail: detail, Provider: id}
		}

		if class.ProviderFault() {
			br.RecordFailure(detail)
		} else {
			br.Release()
		}
		switch {
		case class == executor.ProviderRateLimited:
			backoff := out.RetryAfter
			if backoff <= 0 {
				backoff = lim.Window()
			}
			lim.BlockUntil(g.clk.Now().Add(backoff))
			plog.Warn().Dur("backoff", backoff).Msg("provider rate limited, backing off")
		case class.Disables():
			g.reg.Disable(id)
			plog.Warn().Str("classification", class.String()).Str("detail", detail).Msg("provider disabled until reconfigured")
		default:
			plog.Warn().Str("classification", class.String()).Str("detail", detail).Msg("provider failed, trying next")
		}
		log.add(Attempt{Provider: id, Classification: class.String(), Detail: detail})
	}

	if ctx.Err() != nil {
		return built{}, &abortedError{cause: ctx.Err(), attempts: log.snapshot()}
	}
	return built{}, &exhaustedDispatch{attempts: log.snapshot()}
}

// candidates returns the enabled providers able to serve the operation, the
// preferred one first when it is currently admissible.
func (g *Gateway) candidates(p *prepared, preferred string) []registry.Provider {
	all := g.reg.Lookup(p.service)
	out := make([]registry.Provider, 0, len(all))
	for _, prov := range all {
		if prov.Supports(p.op) {
			out = append(out, prov)
		}
	}
	if preferred == "" {
		return out
	}

	for i, prov := range out {
		if prov.Name != preferred && prov.ID() != preferred {
			continue
		}
		if i == 0 || !g.admissible(prov) {
			return out
		}
		head := append([]registry.Provider{prov}, out[:i]...)
		return append(head, out[i+1:]...)
	}
	return out
}

// admissible reports, without consuming anything, whether prov's limiter
// and breaker would let a call through now.
func (g *Gateway) admissible(prov registry.Provider) bool {
	id := prov.ID()
	lim := g.limiters.Get(id, prov.Limit.MaxRequests, prov.Limit.Window)
	return lim.WouldAdmit(g.clk.Now()) && g.breakers.Get(id).WouldAllow()
}

// store writes a fresh result to the cache. A failed write is logged and
// otherwise ignored.
func (g *Gateway) store(p *prepared, opts Options, r normalize.Result, provider string, logger zerolog.Logger) {
	ttl := g.config().TTL.For(p.service, p.op)
	if opts.TTLOverride != nil {
		ttl = *opts.TTLOverride
	}
	if ttl <= 0 {
		return
	}
	payload, err := normalize.Canonical(r)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot encode result for cache")
		return
	}
	now := g.clk.Now()
	err = g.cache.Put(p.namespace(), cache.Entry{
		Fingerprint:    p.fingerprint,
		Payload:        payload,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		SourceProvider: provider,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("cache write failed")
	}
}

func (g *Gateway) decode(p *prepared, e *cache.Entry) (normalize.Result, error) {
	return g.norm.Normalize(normalize.KindCanonical, p.op, e.Payload, p.norm)
}

// budget is the global per-request deadline for service.
func (g *Gateway) budget(service registry.Service) time.Duration {
	if b := g.config().GlobalBudget; b > 0 {
		return b
	}
	var longest time.Duration
	for _, prov := range g.reg.Lookup(service) {
		longest = max(longest, prov.Timeout)
	}
	return 2 * longest
}

func newRequestID() string { return uuid.NewString() }

// attemptLog collects attempts for one builder.
type attemptLog struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (l *attemptLog) add(a Attempt) {
	l.mu.Lock()
	l.attempts = append(l.attempts, a)
	l.mu.Unlock()
}

func (l *attemptLog) snapshot() []Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Attempt(nil), l.attempts...)
}

func outcomeOf(res *Result, err error) string {
	var ce *CallerError
	switch {
	case err == nil && res.Degraded != nil && res.Degraded.Reason == fallback.ReasonStale:
		return metrics.OutcomeStale
	case err == nil && res.Degraded != nil:
		return metrics.OutcomeStatic
	case err == nil && res.Cache == SourceHit:
		return metrics.OutcomeHit
	case err == nil:
		return metrics.OutcomeLive
	case errors.As(err, &ce):
		return metrics.OutcomeCallerError
	case errors.Is(err, ErrCancelled):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeExhausted
	}
}
