package fallback

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/clock"
)

const (
	DefaultProbeInterval = time.Minute
	DefaultProbeTimeout  = 3 * time.Second
)

// Status is the last reachability observation.
type Status struct {
	Online    bool      `json:"online"`
	CheckedAt time.Time `json:"checked_at"`
	Probed    int       `json:"probed"`
	Reachable int       `json:"reachable"`
}

// Monitor keeps a coarse online/offline flag by periodically probing a set of
// URLs. The flag is advisory; nothing in the request path waits on it.
type Monitor struct {
	client  *http.Client
	clk     clock.Clock
	logger  zerolog.Logger
	targets func() []string

	online atomic.Bool
	mu     sync.Mutex
	status Status
}

// NewMonitor creates a Monitor. targets is consulted on every check so that
// reloaded provider health probes are picked up. The monitor starts online.
func NewMonitor(clk clock.Clock, logger zerolog.Logger, timeout time.Duration, targets func() []string) *Monitor {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	m := &Monitor{
		client:  &http.Client{Timeout: timeout},
		clk:     clk,
		logger:  logger,
		targets: targets,
	}
	m.online.Store(true)
	m.status.Online = true
	return m
}

// Online reports the last observed state.
func (m *Monitor) Online() bool { return m.online.Load() }

// Status returns the last check in full.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Check probes every target concurrently. The gateway is online when any
// target answers with a status below 500, or when there is nothing to probe.
// A check cut short by ctx changes nothing and returns the previous status.
func (m *Monitor) Check(ctx context.Context) Status {
	urls := m.targets()

	var reachable atomic.Int32
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if m.probe(ctx, u) {
				reachable.Add(1)
			}
		}(u)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return m.Status()
	}

	st := Status{
		Online:    len(urls) == 0 || reachable.Load() > 0,
		CheckedAt: m.clk.Now().UTC(),
		Probed:    len(urls),
		Reachable: int(reachable.Load()),
	}
	if prev := m.online.Swap(st.Online); prev != st.Online {
		m.logger.Info().Bool("online", st.Online).Int("reachable", st.Reachable).Int("probed", st.Probed).Msg("connectivity changed")
	}
	m.mu.Lock()
	m.status = st
	m.mu.Unlock()
	return st
}

func (m *Monitor) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		m.logger.Debug().Err(err).Msg("invalid probe url")
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Start runs Check immediately and then every interval until ctx is
// cancelled. The returned channel is closed when the loop exits.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		m.safeCheck(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.safeCheck(ctx)
			}
		}
	}()
	return done
}

func (m *Monitor) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("connectivity monitor: recovered from panic")
		}
	}()
	m.Check(ctx)
}
