package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// validate checks cfg for invalid or out-of-range values and reports all of
// them in one error.
func validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if _, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		add("server.listen_addr must be host:port, got %q", cfg.Server.ListenAddr)
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		add("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel)
	}
	if cfg.Server.DataDir == "" {
		add("server.data_dir must not be empty")
	}
	if cfg.Server.ReadTimeoutMillis < 0 || cfg.Server.WriteTimeoutMillis < 0 {
		add("server timeouts must be non-negative")
	}
	if cfg.Server.MaxBodySize < 0 {
		add("server.max_body_size must be non-negative, got %d", cfg.Server.MaxBodySize)
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		label := fmt.Sprintf("providers[%d]", i)
		if p.Service != "" && p.Name != "" {
			label = "providers." + p.ID()
		}
		if seen[p.ID()] {
			add("%s is defined more than once", label)
		}
		seen[p.ID()] = true

		if strings.Contains(p.Name, "/") {
			add("%s.name must not contain '/'", label)
		}
		if u, err := url.Parse(p.BaseEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
			add("%s.base_endpoint must be an absolute URL, got %q", label, p.BaseEndpoint)
		}
		if p.HealthProbe != "" {
			if u, err := url.Parse(p.HealthProbe); err != nil || u.Scheme == "" {
				add("%s.health_probe must be an absolute URL, got %q", label, p.HealthProbe)
			}
		}
		if err := p.Provider("").Validate(); err != nil {
			add("%s: %v", label, err)
		}
	}

	if cfg.Cache.MaxBytes <= 0 {
		add("cache.max_bytes must be positive, got %d", cfg.Cache.MaxBytes)
	}
	if cfg.Cache.MemoryEntries < 0 {
		add("cache.memory_entries must be non-negative, got %d", cfg.Cache.MemoryEntries)
	}
	if cfg.Cache.SweepIntervalMillis <= 0 {
		add("cache.sweep_interval_millis must be positive, got %d", cfg.Cache.SweepIntervalMillis)
	}

	if cfg.Defaults.OpenThreshold < 1 {
		add("defaults.open_threshold must be at least 1, got %d", cfg.Defaults.OpenThreshold)
	}
	if cfg.Defaults.OpenCooldownMillis <= 0 {
		add("defaults.open_cooldown_millis must be positive, got %d", cfg.Defaults.OpenCooldownMillis)
	}
	if cfg.Defaults.GlobalRequestBudgetMillis < 0 {
		add("defaults.global_request_budget_millis must be non-negative, got %d", cfg.Defaults.GlobalRequestBudgetMillis)
	}

	for key, ttl := range map[string]int64{
		"chat":             cfg.TTL.Chat,
		"weather_current":  cfg.TTL.WeatherCurrent,
		"weather_forecast": cfg.TTL.WeatherForecast,
		"rates":            cfg.TTL.Rates,
	} {
		if ttl < 0 {
			add("ttl.%s must be non-negative, got %d", key, ttl)
		}
	}

	if cfg.Offline.ProbeIntervalMillis <= 0 {
		add("offline.probe_interval_millis must be positive, got %d", cfg.Offline.ProbeIntervalMillis)
	}
	if cfg.Offline.ProbeTimeoutMillis <= 0 {
		add("offline.probe_timeout_millis must be positive, got %d", cfg.Offline.ProbeTimeoutMillis)
	}
	for _, u := range cfg.Offline.ProbeURLs {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" {
			add("offline.probe_urls entry %q is not an absolute URL", u)
		}
	}

	if cfg.Tracing.Enabled {
		if !isValidEnum(cfg.Tracing.Exporter, ValidExporters) {
			add("tracing.exporter must be one of %v, got %q", ValidExporters, cfg.Tracing.Exporter)
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			add("tracing.sample_rate must be between 0 and 1, got %v", cfg.Tracing.SampleRate)
		}
	}

	if cfg.Store.RetentionDays < 0 {
		add("store.retention_days must be non-negative, got %d", cfg.Store.RetentionDays)
	}
	if cfg.Store.PruneIntervalMillis <= 0 {
		add("store.prune_interval_millis must be positive, got %d", cfg.Store.PruneIntervalMillis)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum reports whether val is one of allowed (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(val, a) {
			return true
		}
	}
	return false
}
