package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/breaker"
	"github.com/allaspectsdev/switchyard/internal/cache"
	"github.com/allaspectsdev/switchyard/internal/clock"
	"github.com/allaspectsdev/switchyard/internal/config"
	"github.com/allaspectsdev/switchyard/internal/executor"
	"github.com/allaspectsdev/switchyard/internal/fallback"
	"github.com/allaspectsdev/switchyard/internal/gateway"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/ratelimit"
	"github.com/allaspectsdev/switchyard/internal/registry"
	"github.com/allaspectsdev/switchyard/internal/store"
)

// Resolver turns a credential reference into the secret. *vault.Vault
// satisfies it.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// Runtime is the fully wired gateway and the state it owns. Both the
// long-running server and one-shot CLI commands build one.
type Runtime struct {
	Config   *config.Config
	Clock    clock.Clock
	Store    *store.Store
	Registry *registry.Registry
	Breakers *breaker.Registry
	Limiters *ratelimit.Registry
	Cache    *cache.Cache
	Monitor  *fallback.Monitor
	Metrics  *metrics.Collector
	Gateway  *gateway.Gateway

	resolver  Resolver
	snapshots *store.BreakerAdapter
	logger    zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	loops    []<-chan struct{}
	closeErr error
	closed   bool
}

// Build opens the store under cfg.Server.DataDir, restores persisted breaker
// state and wires a gateway over the configured providers. Providers whose
// credential cannot be resolved are registered disabled.
func Build(cfg *config.Config, resolver Resolver, logger zerolog.Logger) (*Runtime, error) {
	clk := clock.New()

	st, err := store.Open(filepath.Join(cfg.Server.DataDir, store.FileName))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	rt := &Runtime{
		Config:    cfg,
		Clock:     clk,
		Store:     st,
		Limiters:  ratelimit.NewRegistry(),
		Metrics:   metrics.NewCollector(clk),
		resolver:  resolver,
		snapshots: store.NewBreakerAdapter(st),
		logger:    logger,
	}

	rt.Breakers = breaker.NewRegistry(clk, breaker.Config{
		OpenThreshold: cfg.Defaults.OpenThreshold,
		Cooldown:      cfg.Defaults.Cooldown(),
	}, rt.onTransition)

	snaps, err := rt.snapshots.Load(rt.Breakers.Config().OpenThreshold)
	if err != nil {
		logger.Warn().Err(err).Msg("could not load breaker snapshots; starting closed")
	} else if n := rt.Breakers.Restore(snaps); n > 0 {
		logger.Info().Int("restored", n).Msg("breaker state restored")
	}

	rt.Registry = registry.New(rt.Breakers)
	if err := rt.Registry.ReplaceAll(rt.providers(cfg)); err != nil {
		st.Close()
		return nil, fmt.Errorf("registering providers: %w", err)
	}

	backend, err := cache.NewDiskBackend(cfg.Cache.RootPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	rt.Cache, err = cache.New(backend, clk, logger.With().Str("component", "cache").Logger(), cache.Options{
		MaxBytes:      cfg.Cache.MaxBytes,
		MemoryEntries: cfg.Cache.MemoryEntries,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	rt.Monitor = fallback.NewMonitor(clk, logger.With().Str("component", "monitor").Logger(),
		cfg.Offline.ProbeTimeout(), rt.probeTargets)

	rt.Gateway, err = gateway.New(gateway.Deps{
		Clock:    clk,
		Registry: rt.Registry,
		Limiters: rt.Limiters,
		Breakers: rt.Breakers,
		Executor: executor.NewClient(clk, logger.With().Str("component", "executor").Logger()),
		Cache:    rt.Cache,
		Fallback: fallback.New(clk, nil, logger.With().Str("component", "fallback").Logger()),
		Monitor:  rt.Monitor,
		Metrics:  rt.Metrics,
		Recorder: store.NewRequestRecorder(st),
		Logger:   logger.With().Str("component", "gateway").Logger(),
	}, gatewayConfig(cfg))
	if err != nil {
		st.Close()
		return nil, err
	}

	logger.Info().
		Int("providers", len(rt.Registry.All())).
		Str("cache_root", backend.Root()).
		Msg("gateway ready")
	return rt, nil
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		GlobalBudget: cfg.Defaults.Budget(),
		TTL:          cfg.TTL.TTLs(),
	}
}

// providers converts the configured providers, resolving credentials.
func (rt *Runtime) providers(cfg *config.Config) []registry.Provider {
	out := make([]registry.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		credential := ""
		if pc.Credential != "" && rt.resolver != nil {
			secret, err := rt.resolver.Resolve(pc.Credential)
			if err != nil {
				if pc.Enabled {
					rt.logger.Warn().Err(err).Str("provider", pc.ID()).Msg("credential unavailable; provider disabled")
				}
				p := pc.Provider("")
				p.Enabled = false
				out = append(out, p)
				continue
			}
			credential = secret
		}
		out = append(out, pc.Provider(credential))
	}
	return out
}

// probeTargets lists the monitor's probe URLs plus every enabled provider's
// health probe. It is re-evaluated on each check.
func (rt *Runtime) probeTargets() []string {
	rt.mu.Lock()
	urls := append([]string(nil), rt.Config.Offline.ProbeURLs...)
	rt.mu.Unlock()
	for _, p := range rt.Registry.All() {
		if p.Enabled && p.HealthProbe != "" {
			urls = append(urls, p.HealthProbe)
		}
	}
	return urls
}

func (rt *Runtime) onTransition(s breaker.Snapshot) {
	rt.Metrics.SetCircuitState(s.Provider, int(s.State))
	if err := rt.snapshots.Save(s); err != nil {
		rt.logger.Warn().Err(err).Str("provider", s.Provider).Msg("failed to persist breaker state")
	}
}

// Apply swaps in a reloaded configuration: the provider set, TTLs and
// request budget. Store, cache location and breaker parameters need a
// restart.
func (rt *Runtime) Apply(cfg *config.Config) error {
	if err := rt.Registry.ReplaceAll(rt.providers(cfg)); err != nil {
		return fmt.Errorf("applying providers: %w", err)
	}
	rt.Gateway.SetConfig(gatewayConfig(cfg))
	rt.mu.Lock()
	rt.Config = cfg
	rt.mu.Unlock()
	rt.logger.Info().Int("providers", len(cfg.Providers)).Msg("configuration applied")
	return nil
}

// Start launches the cache sweeper, the connectivity monitor and the store
// pruner. They stop when ctx is done or Close is called.
func (rt *Runtime) Start(ctx context.Context) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cancel != nil || rt.closed {
		return
	}
	ctx, rt.cancel = context.WithCancel(ctx)
	cfg := rt.Config

	rt.loops = append(rt.loops, rt.Cache.StartSweeper(ctx, cfg.Cache.SweepInterval()))
	rt.loops = append(rt.loops, rt.Monitor.Start(ctx, cfg.Offline.ProbeInterval()))
	rt.loops = append(rt.loops, startPruner(ctx, rt.Store, cfg.Store.RetentionDays, cfg.Store.PruneInterval(), rt.logger))
}

// Close stops background loops, persists every breaker and closes the store.
// It is safe to call more than once.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return rt.closeErr
	}
	rt.closed = true
	cancel, loops := rt.cancel, rt.loops
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, done := range loops {
		<-done
	}

	var errs []error
	if err := rt.snapshots.SaveAll(rt.Breakers.Snapshots()); err != nil {
		errs = append(errs, fmt.Errorf("saving breaker state: %w", err))
	}
	if err := rt.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	rt.mu.Lock()
	rt.closeErr = errors.Join(errs...)
	rt.mu.Unlock()
	return rt.closeErr
}

// startPruner periodically prunes the request log. A non-positive retention
// or interval disables it; the returned channel is then already closed.
func startPruner(ctx context.Context, st *store.Store, retentionDays int, interval time.Duration, logger zerolog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if retentionDays <= 0 || interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							logger.Error().Interface("panic", r).Msg("request log pruner: recovered from panic")
						}
					}()
					n, err := st.Prune(retentionDays)
					if err != nil {
						logger.Error().Err(err).Msg("request log pruning failed")
					} else if n > 0 {
						logger.Info().Int64("rows", n).Int("retention_days", retentionDays).Msg("pruned request log")
					}
				}()
			}
		}
	}()
	return done
}
