package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.DataDir = "/tmp/switchyard-test"
	return cfg
}

func expectInvalid(t *testing.T, cfg *Config, fragment string) {
	t.Helper()
	err := validate(cfg)
	if err == nil {
		t.Fatalf("expected validation error mentioning %q", fragment)
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Errorf("error %q does not mention %q", err, fragment)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_Server(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ListenAddr = "7680"
	expectInvalid(t, cfg, "server.listen_addr")

	cfg = validConfig()
	cfg.Server.LogLevel = "verbose"
	expectInvalid(t, cfg, "server.log_level")

	cfg = validConfig()
	cfg.Server.DataDir = ""
	expectInvalid(t, cfg, "server.data_dir")

	cfg = validConfig()
	cfg.Server.MaxBodySize = -1
	expectInvalid(t, cfg, "server.max_body_size")
}

func TestValidate_Providers(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(p *ProviderConfig)
		fragment string
	}{
		{"kind for wrong service", func(p *ProviderConfig) { p.Kind = "openai" }, "kind"},
		{"relative endpoint", func(p *ProviderConfig) { p.BaseEndpoint = "/v1" }, "base_endpoint"},
		{"slash in name", func(p *ProviderConfig) { p.Name = "a/b" }, "must not contain"},
		{"zero limit", func(p *ProviderConfig) { p.Limit.MaxRequests = 0 }, "max requests"},
		{"zero timeout", func(p *ProviderConfig) { p.TimeoutMillis = 0 }, "timeout"},
		{"unknown capability", func(p *ProviderConfig) { p.Capabilities = []string{"pair"} }, "capability"},
		{"bad probe", func(p *ProviderConfig) { p.HealthProbe = "::" }, "health_probe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			for i := range cfg.Providers {
				if cfg.Providers[i].Service == "weather" {
					tt.mutate(&cfg.Providers[i])
					break
				}
			}
			expectInvalid(t, cfg, tt.fragment)
		})
	}
}

func TestValidate_DuplicateProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Providers = append(cfg.Providers, cfg.Providers[0])
	expectInvalid(t, cfg, "more than once")
}

func TestValidate_Sections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		fragment string
	}{
		{"cache size", func(c *Config) { c.Cache.MaxBytes = 0 }, "cache.max_bytes"},
		{"sweep", func(c *Config) { c.Cache.SweepIntervalMillis = 0 }, "cache.sweep_interval_millis"},
		{"threshold", func(c *Config) { c.Defaults.OpenThreshold = 0 }, "defaults.open_threshold"},
		{"cooldown", func(c *Config) { c.Defaults.OpenCooldownMillis = 0 }, "defaults.open_cooldown_millis"},
		{"budget", func(c *Config) { c.Defaults.GlobalRequestBudgetMillis = -1 }, "global_request_budget_millis"},
		{"ttl", func(c *Config) { c.TTL.Rates = -5 }, "ttl.rates"},
		{"probe interval", func(c *Config) { c.Offline.ProbeIntervalMillis = 0 }, "offline.probe_interval_millis"},
		{"probe url", func(c *Config) { c.Offline.ProbeURLs = []string{"example.com"} }, "offline.probe_urls"},
		{"exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "zipkin" }, "tracing.exporter"},
		{"sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }, "tracing.sample_rate"},
		{"retention", func(c *Config) { c.Store.RetentionDays = -1 }, "store.retention_days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			expectInvalid(t, cfg, tt.fragment)
		})
	}
}

func TestValidate_TracingDisabledIgnoresExporter(t *testing.T) {
	cfg := validConfig()
	cfg.Tracing.Exporter = "zipkin"
	if err := validate(cfg); err != nil {
		t.Errorf("disabled tracing should not be validated: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.LogLevel = "nope"
	cfg.Cache.MaxBytes = -1
	cfg.Store.RetentionDays = -1

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "cache.max_bytes", "store.retention_days"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q", want)
		}
	}
}

func TestIsValidEnum(t *testing.T) {
	if !isValidEnum("INFO", ValidLogLevels) {
		t.Error("case-insensitive match failed")
	}
	if isValidEnum("loud", ValidLogLevels) {
		t.Error("unexpected match")
	}
}
