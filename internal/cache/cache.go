// Package cache is the gateway's namespaced TTL cache: an authoritative
// backend (one file per entry on disk), an in-memory LRU accelerator in
// front of it, a size bound enforced by oldest-first eviction, and a
// single-builder table so that concurrent misses for the same key issue one
// upstream call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/allaspectsdev/switchyard/internal/clock"
)

const (
	DefaultMaxBytes      = 100 << 20
	DefaultSweepInterval = time.Hour
	defaultMemoryEntries = 1000
	// evictTarget is the fraction of MaxBytes eviction brings usage down to.
	evictTarget = 0.8
)

// Options configures a Cache.
type Options struct {
	MaxBytes      int64
	MemoryEntries int
}

// Cache is safe for concurrent use.
type Cache struct {
	backend  Backend
	clk      clock.Clock
	logger   zerolog.Logger
	maxBytes int64

	memory *lru.Cache[string, *Entry]
	group  singleflight.Group

	// writes orders Invalidate against in-flight writes: Put and the Get
	// fill path hold it shared across backend and memory updates,
	// Invalidate holds it exclusively.
	writes sync.RWMutex

	mu    sync.Mutex
	index map[string]meta
	total int64
}

// New creates a Cache over backend and rebuilds the size index from what the
// backend already holds.
func New(backend Backend, clk clock.Clock, logger zerolog.Logger, opts Options) (*Cache, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = defaultMemoryEntries
	}

	memCache, err := lru.New[string, *Entry](opts.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("cache: creating LRU: %w", err)
	}

	c := &Cache{
		backend:  backend,
		clk:      clk,
		logger:   logger,
		maxBytes: opts.MaxBytes,
		memory:   memCache,
		index:    make(map[string]meta),
	}

	existing, err := backend.List()
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		m := e.meta()
		c.index[indexKey(m.namespace, m.fingerprint)] = m
		c.total += m.size
	}
	if len(existing) > 0 {
		logger.Debug().Int("entries", len(existing)).Int64("bytes", c.total).Msg("cache index loaded")
	}
	return c, nil
}

// Get looks up (ns, fp). Expired entries are returned with their payload and
// are left in place for the fallback path.
func (c *Cache) Get(ns, fp string) Lookup {
	key := indexKey(ns, fp)

	e, ok := c.memory.Get(key)
	if !ok {
		c.writes.RLock()
		loaded, err := c.backend.Load(ns, fp)
		if err == nil {
			c.memory.Add(key, loaded)
		}
		c.writes.RUnlock()
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				c.logger.Warn().Err(err).Str("namespace", ns).Msg("cache read failed")
			}
			return Lookup{Status: Miss}
		}
		e = loaded
	}

	cp := *e
	if cp.ExpiredAt(c.clk.Now()) {
		return Lookup{Status: Expired, Entry: &cp}
	}
	return Lookup{Status: Hit, Entry: &cp}
}

// Put writes e through to the backend under ns. When the total size exceeds
// the bound, the oldest entries by CreatedAt are evicted until usage is at
// most 80% of the bound.
func (c *Cache) Put(ns string, e Entry) error {
	e.Namespace = ns
	e.SizeBytes = int64(len(e.Payload))
	if e.Fingerprint == "" || e.ExpiresAt.Before(e.CreatedAt) {
		return fmt.Errorf("%w: %s/%s", ErrInvalidEntry, ns, e.Fingerprint)
	}
	if e.SizeBytes > c.maxBytes {
		return fmt.Errorf("%w: %d > %d", ErrEntryTooLarge, e.SizeBytes, c.maxBytes)
	}

	c.writes.RLock()
	defer c.writes.RUnlock()

	if err := c.backend.Store(&e); err != nil {
		c.logger.Warn().Err(err).Str("namespace", ns).Str("fingerprint", e.Fingerprint).Msg("cache write failed")
		return err
	}

	key := indexKey(ns, e.Fingerprint)
	c.memory.Add(key, &e)

	c.mu.Lock()
	if old, ok := c.index[key]; ok {
		c.total -= old.size
	}
	c.index[key] = e.meta()
	c.total += e.SizeBytes
	victims := c.evictLocked()
	c.mu.Unlock()

	c.remove(victims, "evicted")
	return nil
}

// evictLocked picks victims oldest-first when over the bound and drops them
// from the index. Callers hold mu and delete the victims afterwards.
func (c *Cache) evictLocked() []meta {
	if c.total <= c.maxBytes {
		return nil
	}
	all := make([]meta, 0, len(c.index))
	for _, m := range c.index {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt.Before(all[j].createdAt) })

	target := int64(float64(c.maxBytes) * evictTarget)
	var victims []meta
	for _, m := range all {
		if c.total <= target {
			break
		}
		delete(c.index, indexKey(m.namespace, m.fingerprint))
		c.total -= m.size
		victims = append(victims, m)
	}
	return victims
}

func (c *Cache) remove(victims []meta, reason string) {
	for _, m := range victims {
		c.memory.Remove(indexKey(m.namespace, m.fingerprint))
		if err := c.backend.Delete(m.namespace, m.fingerprint); err != nil {
			c.logger.Warn().Err(err).Str("namespace", m.namespace).Msg("cache delete failed")
		}
	}
	if len(victims) > 0 {
		c.logger.Debug().Int("entries", len(victims)).Str("reason", reason).Msg("cache entries removed")
	}
}

// Invalidate removes one entry, or the whole namespace when fp is empty.
func (c *Cache) Invalidate(ns, fp string) error {
	c.writes.Lock()
	defer c.writes.Unlock()

	if fp != "" {
		key := indexKey(ns, fp)
		c.mu.Lock()
		if m, ok := c.index[key]; ok {
			c.total -= m.size
			delete(c.index, key)
		}
		c.mu.Unlock()
		c.memory.Remove(key)
		return c.backend.Delete(ns, fp)
	}

	c.mu.Lock()
	for key, m := range c.index {
		if m.namespace == ns {
			c.total -= m.size
			delete(c.index, key)
		}
	}
	c.mu.Unlock()
	for _, key := range c.memory.Keys() {
		if e, ok := c.memory.Peek(key); ok && e.Namespace == ns {
			c.memory.Remove(key)
		}
	}
	return c.backend.DeleteNamespace(ns)
}

// Sweep removes every entry strictly past its expiry and returns how many
// were removed.
func (c *Cache) Sweep() int {
	now := c.clk.Now()

	c.mu.Lock()
	var victims []meta
	for key, m := range c.index {
		if now.After(m.expiresAt) {
			delete(c.index, key)
			c.total -= m.size
			victims = append(victims, m)
		}
	}
	c.mu.Unlock()

	c.remove(victims, "expired")
	return len(victims)
}

// StartSweeper runs Sweep immediately and then every interval until ctx is
// cancelled. The returned channel is closed when the goroutine exits.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.safeSweep()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.safeSweep()
			}
		}
	}()
	return done
}

func (c *Cache) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("cache sweeper: recovered from panic")
		}
	}()
	if n := c.Sweep(); n > 0 {
		c.logger.Info().Int("removed", n).Msg("cache sweep")
	}
}

// Usage reports the number of indexed entries and their total size.
type Usage struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	MaxBytes int64 `json:"max_bytes"`
}

// Usage returns current occupancy.
func (c *Cache) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Usage{Entries: len(c.index), Bytes: c.total, MaxBytes: c.maxBytes}
}
