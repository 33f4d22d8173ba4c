package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/registry"
)

const sampleTOML = `
[server]
listen_addr = "127.0.0.1:9090"
log_level = "debug"
data_dir = "%DIR%"

[[providers]]
service = "weather"
name = "local"
kind = "flat"
base_endpoint = "http://localhost:9999/"
credential = "env:LOCAL_WEATHER_KEY"
priority = 3
enabled = true
limit = { max_requests = 10, window_millis = 1000 }
timeout_millis = 2500
capabilities = ["current"]

[ttl]
weather_current = 60000

[defaults]
global_request_budget_millis = 0
`

func writeConfig(t *testing.T, name, content string) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, name)
	content = strings.ReplaceAll(content, "%DIR%", dir)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, dir
}

func TestLoad_WithExplicitFile(t *testing.T) {
	path, dir := writeConfig(t, "switchyard.toml", sampleTOML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9090" || cfg.Server.LogLevel != "debug" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Cache.RootPath != filepath.Join(dir, "cache") {
		t.Errorf("cache root = %q", cfg.Cache.RootPath)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers = %d, want only the configured one", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.ID() != "weather/local" || p.Limit.MaxRequests != 10 || p.Limit.WindowMillis != 1000 {
		t.Errorf("provider = %+v", p)
	}
	if cfg.TTL.WeatherCurrent != 60_000 || cfg.TTL.Rates != DefaultTTLRates {
		t.Errorf("ttl = %+v", cfg.TTL)
	}
	if cfg.Defaults.Budget() != 0 || cfg.Defaults.OpenThreshold != DefaultOpenThreshold {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
	if ConfigFilePath() != path {
		t.Errorf("ConfigFilePath = %q", ConfigFilePath())
	}
	if Get() != cfg {
		t.Error("Get should return the loaded config")
	}
}

func TestLoad_YAML(t *testing.T) {
	path, _ := writeConfig(t, "switchyard.yaml", `
server:
  listen_addr: "127.0.0.1:9191"
  data_dir: "%DIR%"
providers:
  - service: rates
    name: frankfurter
    kind: frankfurter
    base_endpoint: https://api.frankfurter.app
    priority: 1
    enabled: true
    limit: {max_requests: 5, window_millis: 60000}
    timeout_millis: 1000
    capabilities: [pair, latest]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9191" || len(cfg.Providers) != 1 || cfg.Providers[0].Kind != "frankfurter" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_KeepsDefaultProvidersWhenUnset(t *testing.T) {
	path, _ := writeConfig(t, "min.toml", "[server]\ndata_dir = \"%DIR%\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Providers) != len(defaultProviders()) {
		t.Errorf("providers = %d, want defaults", len(cfg.Providers))
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path, _ := writeConfig(t, "env.toml", sampleTOML)
	t.Setenv("SWITCHYARD_SERVER_LOG_LEVEL", "warn")
	t.Setenv("SWITCHYARD_CACHE_MAX_BYTES", "4096")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.Server.LogLevel)
	}
	if cfg.Cache.MaxBytes != 4096 {
		t.Errorf("MaxBytes = %d, want 4096", cfg.Cache.MaxBytes)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path, _ := writeConfig(t, "bad.toml", `
[server]
listen_addr = "nope"
data_dir = "/tmp"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "listen_addr") {
		t.Fatalf("err = %v, want listen_addr validation error", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := validate(cfg); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Server.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %q", cfg.Server.ListenAddr)
	}
	ttl := cfg.TTL.TTLs()
	if ttl.Chat != 0 || ttl.WeatherCurrent != 30*time.Minute || ttl.WeatherForecast != time.Hour || ttl.Rates != time.Hour {
		t.Errorf("ttls = %+v", ttl)
	}
	if cfg.Defaults.Budget() != 120*time.Second || cfg.Defaults.Cooldown() != time.Minute {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
}

func TestProviderConfig_Provider(t *testing.T) {
	pc := ProviderConfig{
		Service: "weather", Name: "x", Kind: "flat",
		BaseEndpoint: "http://h/v1/", Priority: 2, Enabled: true,
		Limit:         LimitConfig{MaxRequests: 3, WindowMillis: 1500},
		TimeoutMillis: 250,
		Capabilities:  []string{" Current ", "forecast"},
	}
	p := pc.Provider("secret")
	if p.ID() != "weather/x" || p.BaseEndpoint != "http://h/v1" || p.Credential != "secret" {
		t.Errorf("provider = %+v", p)
	}
	if p.Limit.Window != 1500*time.Millisecond || p.Timeout != 250*time.Millisecond {
		t.Errorf("durations = %s %s", p.Limit.Window, p.Timeout)
	}
	if !p.Supports(registry.OpCurrent) || !p.Supports(registry.OpForecast) {
		t.Errorf("capabilities = %v", p.Capabilities)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "switchyard.toml")

	written, created, err := InitConfig(path)
	if err != nil || !created || written != path {
		t.Fatalf("InitConfig = %q, %v, %v", written, created, err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of generated config: %v", err)
	}
	if len(cfg.Providers) != len(defaultProviders()) {
		t.Errorf("providers = %d", len(cfg.Providers))
	}

	if _, created, err := InitConfig(path); err != nil || created {
		t.Errorf("second InitConfig created=%v err=%v", created, err)
	}
}

func TestExportConfig_RoundTrip(t *testing.T) {
	src, dir := writeConfig(t, "src.toml", sampleTOML)
	if _, err := Load(src); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"out.toml", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			out := filepath.Join(dir, name)
			if err := ExportConfig(out); err != nil {
				t.Fatalf("ExportConfig: %v", err)
			}
			cfg, err := Load(out)
			if err != nil {
				t.Fatalf("Load(%s): %v", name, err)
			}
			if len(cfg.Providers) != 1 || cfg.Providers[0].TimeoutMillis != 2500 || cfg.Server.LogLevel != "debug" {
				t.Errorf("round trip lost data: %+v", cfg)
			}
		})
	}
}

func TestMarshal_UnknownFormat(t *testing.T) {
	if _, err := Marshal(DefaultConfig(), "ini"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestMarshal_NeverIncludesSecrets(t *testing.T) {
	cfg := DefaultConfig()
	data, err := Marshal(cfg, "toml")
	if err != nil {
		t.Fatal(err)
	}
	// Only references are stored; the env var name appears, never a value.
	if !strings.Contains(string(data), "env:WEATHERAPI_KEY") {
		t.Errorf("expected credential reference in output")
	}
}

func TestMarshal_BlanksLiteralSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.AuthToken = "tok-literal"
	cfg.Providers[0].Credential = "sk-literal-key"
	cfg.Providers[1].Credential = "keyring://switchyard/owm"

	for _, format := range []string{"toml", "yaml"} {
		data, err := Marshal(cfg, format)
		if err != nil {
			t.Fatal(err)
		}
		out := string(data)
		if strings.Contains(out, "sk-literal-key") || strings.Contains(out, "tok-literal") {
			t.Errorf("%s output contains a literal secret", format)
		}
		if !strings.Contains(out, "keyring://switchyard/owm") {
			t.Errorf("%s output lost a keyring reference", format)
		}
	}
	if cfg.Providers[0].Credential != "sk-literal-key" {
		t.Error("Marshal modified its input")
	}
}

func TestWatcher_Reload(t *testing.T) {
	path, _ := writeConfig(t, "watch.toml", sampleTOML)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	w, err := Watch(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	changed := make(chan *Config, 1)
	w.OnChange(func(_, n *Config) {
		select {
		case changed <- n:
		default:
		}
	})

	updated := strings.Replace(string(mustRead(t, path)), `log_level = "debug"`, `log_level = "error"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Server.LogLevel != "error" {
			t.Errorf("reloaded log level = %q", cfg.Server.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWatch_EmptyPath(t *testing.T) {
	if _, err := Watch("", zerolog.Nop()); err == nil {
		t.Error("expected error for empty path")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
