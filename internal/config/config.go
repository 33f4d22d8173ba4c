package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/allaspectsdev/switchyard/internal/gateway"
	"github.com/allaspectsdev/switchyard/internal/registry"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config, or the defaults if nothing has been loaded.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level switchyard configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"    toml:"server"    yaml:"server"`
	Providers []ProviderConfig `mapstructure:"providers" toml:"providers" yaml:"providers"`
	Cache     CacheConfig      `mapstructure:"cache"     toml:"cache"     yaml:"cache"`
	Defaults  DefaultsConfig   `mapstructure:"defaults"  toml:"defaults"  yaml:"defaults"`
	TTL       TTLConfig        `mapstructure:"ttl"       toml:"ttl"       yaml:"ttl"`
	Offline   OfflineConfig    `mapstructure:"offline"   toml:"offline"   yaml:"offline"`
	Tracing   TracingConfig    `mapstructure:"tracing"   toml:"tracing"   yaml:"tracing"`
	Store     StoreConfig      `mapstructure:"store"     toml:"store"     yaml:"store"`
}

// ServerConfig holds the companion proxy and process settings.
type ServerConfig struct {
	ListenAddr         string `mapstructure:"listen_addr"          toml:"listen_addr"          yaml:"listen_addr"`
	LogLevel           string `mapstructure:"log_level"            toml:"log_level"            yaml:"log_level"`
	DataDir            string `mapstructure:"data_dir"             toml:"data_dir"             yaml:"data_dir"`
	AuthToken          string `mapstructure:"auth_token"           toml:"auth_token"           yaml:"auth_token"` // credential reference; empty disables auth
	ReadTimeoutMillis  int64  `mapstructure:"read_timeout_millis"  toml:"read_timeout_millis"  yaml:"read_timeout_millis"`
	WriteTimeoutMillis int64  `mapstructure:"write_timeout_millis" toml:"write_timeout_millis" yaml:"write_timeout_millis"`
	MaxBodySize        int64  `mapstructure:"max_body_size"        toml:"max_body_size"        yaml:"max_body_size"`
}

// ProviderConfig describes one upstream. Credential is a reference resolved
// by the vault package, never the secret itself.
type ProviderConfig struct {
	Service       string      `mapstructure:"service"        toml:"service"        yaml:"service"`
	Name          string      `mapstructure:"name"           toml:"name"           yaml:"name"`
	Kind          string      `mapstructure:"kind"           toml:"kind"           yaml:"kind"`
	BaseEndpoint  string      `mapstructure:"base_endpoint"  toml:"base_endpoint"  yaml:"base_endpoint"`
	Credential    string      `mapstructure:"credential"     toml:"credential"     yaml:"credential"`
	Priority      int         `mapstructure:"priority"       toml:"priority"       yaml:"priority"`
	Enabled       bool        `mapstructure:"enabled"        toml:"enabled"        yaml:"enabled"`
	Limit         LimitConfig `mapstructure:"limit"          toml:"limit"          yaml:"limit"`
	TimeoutMillis int64       `mapstructure:"timeout_millis" toml:"timeout_millis" yaml:"timeout_millis"`
	Capabilities  []string    `mapstructure:"capabilities"   toml:"capabilities"   yaml:"capabilities"`
	HealthProbe   string      `mapstructure:"health_probe"   toml:"health_probe"   yaml:"health_probe"`
}

// LimitConfig is a provider's sliding-window budget.
type LimitConfig struct {
	MaxRequests  int   `mapstructure:"max_requests"  toml:"max_requests"  yaml:"max_requests"`
	WindowMillis int64 `mapstructure:"window_millis" toml:"window_millis" yaml:"window_millis"`
}

// ID returns the registry key "service/name".
func (p ProviderConfig) ID() string { return p.Service + "/" + p.Name }

// Provider converts p into a registry record carrying credential.
func (p ProviderConfig) Provider(credential string) registry.Provider {
	caps := make([]registry.Operation, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		caps = append(caps, registry.Operation(strings.ToLower(strings.TrimSpace(c))))
	}
	return registry.Provider{
		Service:      registry.Service(p.Service),
		Name:         p.Name,
		Kind:         registry.Kind(p.Kind),
		BaseEndpoint: strings.TrimRight(p.BaseEndpoint, "/"),
		Credential:   credential,
		Priority:     p.Priority,
		Enabled:      p.Enabled,
		Limit: registry.Limit{
			MaxRequests: p.Limit.MaxRequests,
			Window:      millis(p.Limit.WindowMillis),
		},
		Timeout:      millis(p.TimeoutMillis),
		Capabilities: caps,
		HealthProbe:  p.HealthProbe,
	}
}

// CacheConfig controls the on-disk response cache.
type CacheConfig struct {
	RootPath            string `mapstructure:"root_path"             toml:"root_path"             yaml:"root_path"`
	MaxBytes            int64  `mapstructure:"max_bytes"             toml:"max_bytes"             yaml:"max_bytes"`
	MemoryEntries       int    `mapstructure:"memory_entries"        toml:"memory_entries"        yaml:"memory_entries"`
	SweepIntervalMillis int64  `mapstructure:"sweep_interval_millis" toml:"sweep_interval_millis" yaml:"sweep_interval_millis"`
}

// DefaultsConfig holds the breaker and budget parameters shared by all providers.
type DefaultsConfig struct {
	OpenThreshold             int   `mapstructure:"open_threshold"               toml:"open_threshold"               yaml:"open_threshold"`
	OpenCooldownMillis        int64 `mapstructure:"open_cooldown_millis"         toml:"open_cooldown_millis"         yaml:"open_cooldown_millis"`
	GlobalRequestBudgetMillis int64 `mapstructure:"global_request_budget_millis" toml:"global_request_budget_millis" yaml:"global_request_budget_millis"`
}

// TTLConfig sets the cache lifetime of each kind of result, in milliseconds.
// Zero means never cache.
type TTLConfig struct {
	Chat            int64 `mapstructure:"chat"             toml:"chat"             yaml:"chat"`
	WeatherCurrent  int64 `mapstructure:"weather_current"  toml:"weather_current"  yaml:"weather_current"`
	WeatherForecast int64 `mapstructure:"weather_forecast" toml:"weather_forecast" yaml:"weather_forecast"`
	Rates           int64 `mapstructure:"rates"            toml:"rates"            yaml:"rates"`
}

// TTLs converts t for the gateway.
func (t TTLConfig) TTLs() gateway.TTLs {
	return gateway.TTLs{
		Chat:            millis(t.Chat),
		WeatherCurrent:  millis(t.WeatherCurrent),
		WeatherForecast: millis(t.WeatherForecast),
		Rates:           millis(t.Rates),
	}
}

// OfflineConfig controls the connectivity monitor.
type OfflineConfig struct {
	ProbeIntervalMillis int64    `mapstructure:"probe_interval_millis" toml:"probe_interval_millis" yaml:"probe_interval_millis"`
	ProbeTimeoutMillis  int64    `mapstructure:"probe_timeout_millis"  toml:"probe_timeout_millis"  yaml:"probe_timeout_millis"`
	ProbeURLs           []string `mapstructure:"probe_urls"            toml:"probe_urls"            yaml:"probe_urls"`
}

// TracingConfig controls OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"      toml:"enabled"      yaml:"enabled"`
	Exporter    string  `mapstructure:"exporter"     toml:"exporter"     yaml:"exporter"`     // "stdout", "otlp-grpc", "otlp-http"
	Endpoint    string  `mapstructure:"endpoint"     toml:"endpoint"     yaml:"endpoint"`     // e.g. "localhost:4317"
	ServiceName string  `mapstructure:"service_name" toml:"service_name" yaml:"service_name"` // defaults to "switchyard"
	SampleRate  float64 `mapstructure:"sample_rate"  toml:"sample_rate"  yaml:"sample_rate"`  // 0.0 to 1.0
	Insecure    bool    `mapstructure:"insecure"     toml:"insecure"     yaml:"insecure"`
}

// StoreConfig controls the SQLite request log.
type StoreConfig struct {
	RetentionDays       int   `mapstructure:"retention_days"        toml:"retention_days"        yaml:"retention_days"`
	PruneIntervalMillis int64 `mapstructure:"prune_interval_millis" toml:"prune_interval_millis" yaml:"prune_interval_millis"`
}

func millis(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

// Duration helpers used by the daemon.
func (c ServerConfig) ReadTimeout() time.Duration { return millis(c.ReadTimeoutMillis) }
func (c ServerConfig) WriteTimeout() time.Duration { return millis(c.WriteTimeoutMillis) }
func (c CacheConfig) SweepInterval() time.Duration { return millis(c.SweepIntervalMillis) }
func (c DefaultsConfig) Cooldown() time.Duration { return millis(c.OpenCooldownMillis) }
func (c DefaultsConfig) Budget() time.Duration { return millis(c.GlobalRequestBudgetMillis) }
func (c OfflineConfig) ProbeInterval() time.Duration { return millis(c.ProbeIntervalMillis) }
func (c OfflineConfig) ProbeTimeout() time.Duration { return millis(c.ProbeTimeoutMillis) }
func (c StoreConfig) PruneInterval() time.Duration { return millis(c.PruneIntervalMillis) }

// Load reads configuration with the following precedence:
//  1. Environment variables (SWITCHYARD_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.switchyard/switchyard.{toml,yaml}
//  4. ./switchyard.{toml,yaml}
//  5. Built-in defaults
//
// The file format follows the extension; TOML is assumed otherwise. The
// loaded config is validated and becomes the value returned by Get.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setViperDefaults(v)

	v.SetEnvPrefix("SWITCHYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		if isYAML(explicitPath) {
			v.SetConfigType("yaml")
		}
	} else {
		if homeDir, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".switchyard"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("switchyard")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	// A configured provider list replaces the defaults wholesale.
	if v.IsSet("providers") {
		cfg.Providers = nil
	}
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)
	cfg.Cache.RootPath = expandHome(cfg.Cache.RootPath)
	if cfg.Cache.RootPath == "" {
		cfg.Cache.RootPath = filepath.Join(cfg.Server.DataDir, "cache")
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// DefaultPath is ~/.switchyard/switchyard.toml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(homeDir, ".switchyard", DefaultConfigFilename), nil
}

// InitConfig writes the default configuration to path, or to DefaultPath
// when path is empty. An existing file is left alone and reported with
// created == false.
func InitConfig(path string) (written string, created bool, err error) {
	if path == "" {
		if path, err = DefaultPath(); err != nil {
			return "", false, err
		}
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", false, fmt.Errorf("creating config directory: %w", err)
	}
	if err := write(path, DefaultConfig()); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// ExportConfig writes the current config to path, as YAML when the
// extension asks for it and TOML otherwise.
func ExportConfig(path string) error {
	return write(path, Get())
}

// Marshal renders cfg in the given format ("toml" or "yaml"). Literal
// secrets are blanked; references are kept.
func Marshal(cfg *Config, format string) ([]byte, error) {
	cfg = redacted(cfg)
	switch format {
	case "yaml", "yml":
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return nil, fmt.Errorf("marshalling config: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("marshalling config: %w", err)
		}
		return buf.Bytes(), nil
	case "toml", "":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshalling config: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}

// redacted returns a copy of cfg with every credential that is not a
// reference (env:, file://, keyring://) cleared.
func redacted(cfg *Config) *Config {
	out := *cfg
	out.Server.AuthToken = redactSecret(cfg.Server.AuthToken)
	out.Providers = make([]ProviderConfig, len(cfg.Providers))
	for i, p := range cfg.Providers {
		p.Credential = redactSecret(p.Credential)
		out.Providers[i] = p
	}
	return &out
}

func redactSecret(ref string) string {
	for _, prefix := range []string{"env:", "file://", "keyring://"} {
		if strings.HasPrefix(ref, prefix) {
			return ref
		}
	}
	return ""
}

func write(path string, cfg *Config) error {
	format := "toml"
	if isYAML(path) {
		format = "yaml"
	}
	data, err := Marshal(cfg, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ConfigFilePath returns the file used by the last Load, or "".
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every scalar key so env overrides work without
// a config file.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)
	v.SetDefault("server.auth_token", d.Server.AuthToken)
	v.SetDefault("server.read_timeout_millis", d.Server.ReadTimeoutMillis)
	v.SetDefault("server.write_timeout_millis", d.Server.WriteTimeoutMillis)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)

	v.SetDefault("cache.root_path", d.Cache.RootPath)
	v.SetDefault("cache.max_bytes", d.Cache.MaxBytes)
	v.SetDefault("cache.memory_entries", d.Cache.MemoryEntries)
	v.SetDefault("cache.sweep_interval_millis", d.Cache.SweepIntervalMillis)

	v.SetDefault("defaults.open_threshold", d.Defaults.OpenThreshold)
	v.SetDefault("defaults.open_cooldown_millis", d.Defaults.OpenCooldownMillis)
	v.SetDefault("defaults.global_request_budget_millis", d.Defaults.GlobalRequestBudgetMillis)

	v.SetDefault("ttl.chat", d.TTL.Chat)
	v.SetDefault("ttl.weather_current", d.TTL.WeatherCurrent)
	v.SetDefault("ttl.weather_forecast", d.TTL.WeatherForecast)
	v.SetDefault("ttl.rates", d.TTL.Rates)

	v.SetDefault("offline.probe_interval_millis", d.Offline.ProbeIntervalMillis)
	v.SetDefault("offline.probe_timeout_millis", d.Offline.ProbeTimeoutMillis)
	v.SetDefault("offline.probe_urls", d.Offline.ProbeURLs)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)

	v.SetDefault("store.retention_days", d.Store.RetentionDays)
	v.SetDefault("store.prune_interval_millis", d.Store.PruneIntervalMillis)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
