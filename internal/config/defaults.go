package config

// DefaultListenAddr binds the companion proxy to localhost only.
const DefaultListenAddr = "127.0.0.1:7680"

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.switchyard"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "switchyard.toml"

const (
	DefaultReadTimeoutMillis  = 10_000
	DefaultWriteTimeoutMillis = 180_000
	DefaultMaxBodySize        = 1 << 20

	DefaultCacheMaxBytes       = 100 << 20
	DefaultCacheMemoryEntries  = 1000
	DefaultSweepIntervalMillis = 3_600_000

	DefaultOpenThreshold      = 5
	DefaultOpenCooldownMillis = 60_000
	DefaultBudgetMillis       = 120_000

	DefaultTTLChat            = 0
	DefaultTTLWeatherCurrent  = 1_800_000
	DefaultTTLWeatherForecast = 3_600_000
	DefaultTTLRates           = 3_600_000

	DefaultProbeIntervalMillis = 60_000
	DefaultProbeTimeoutMillis  = 3_000

	DefaultRetentionDays       = 30
	DefaultPruneIntervalMillis = 3_600_000
)

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// ValidExporters lists the tracing exporters.
var ValidExporters = []string{"stdout", "otlp-grpc", "otlp-http"}

// DefaultConfig returns a Config populated with sensible defaults. Providers
// that need a key read it from the environment and are disabled at startup
// when the variable is unset.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:         DefaultListenAddr,
			LogLevel:           DefaultLogLevel,
			DataDir:            DefaultDataDir,
			ReadTimeoutMillis:  DefaultReadTimeoutMillis,
			WriteTimeoutMillis: DefaultWriteTimeoutMillis,
			MaxBodySize:        DefaultMaxBodySize,
		},
		Providers: defaultProviders(),
		Cache: CacheConfig{
			MaxBytes:            DefaultCacheMaxBytes,
			MemoryEntries:       DefaultCacheMemoryEntries,
			SweepIntervalMillis: DefaultSweepIntervalMillis,
		},
		Defaults: DefaultsConfig{
			OpenThreshold:             DefaultOpenThreshold,
			OpenCooldownMillis:        DefaultOpenCooldownMillis,
			GlobalRequestBudgetMillis: DefaultBudgetMillis,
		},
		TTL: TTLConfig{
			Chat:            DefaultTTLChat,
			WeatherCurrent:  DefaultTTLWeatherCurrent,
			WeatherForecast: DefaultTTLWeatherForecast,
			Rates:           DefaultTTLRates,
		},
		Offline: OfflineConfig{
			ProbeIntervalMillis: DefaultProbeIntervalMillis,
			ProbeTimeoutMillis:  DefaultProbeTimeoutMillis,
			ProbeURLs:           []string{},
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			Endpoint:    "localhost:4317",
			ServiceName: "switchyard",
			SampleRate:  1.0,
		},
		Store: StoreConfig{
			RetentionDays:       DefaultRetentionDays,
			PruneIntervalMillis: DefaultPruneIntervalMillis,
		},
	}
}

func defaultProviders() []ProviderConfig {
	chat := func(name, kind, base, cred string, prio int) ProviderConfig {
		return ProviderConfig{
			Service: "chat", Name: name, Kind: kind, BaseEndpoint: base, Credential: cred,
			Priority: prio, Enabled: true,
			Limit:         LimitConfig{MaxRequests: 60, WindowMillis: 60_000},
			TimeoutMillis: 60_000,
			Capabilities:  []string{"completion"},
		}
	}
	weather := func(name, kind, base, cred string, prio int) ProviderConfig {
		return ProviderConfig{
			Service: "weather", Name: name, Kind: kind, BaseEndpoint: base, Credential: cred,
			Priority: prio, Enabled: true,
			Limit:         LimitConfig{MaxRequests: 60, WindowMillis: 60_000},
			TimeoutMillis: 5_000,
			Capabilities:  []string{"current", "forecast"},
		}
	}
	rates := func(name, kind, base, cred string, prio int) ProviderConfig {
		return ProviderConfig{
			Service: "rates", Name: name, Kind: kind, BaseEndpoint: base, Credential: cred,
			Priority: prio, Enabled: true,
			Limit:         LimitConfig{MaxRequests: 30, WindowMillis: 60_000},
			TimeoutMillis: 5_000,
			Capabilities:  []string{"pair", "latest"},
		}
	}
	return []ProviderConfig{
		chat("openai", "openai", "https://api.openai.com/v1", "env:OPENAI_API_KEY", 10),
		chat("anthropic", "anthropic", "https://api.anthropic.com", "env:ANTHROPIC_API_KEY", 5),
		chat("gemini", "gemini", "https://generativelanguage.googleapis.com/v1beta", "env:GEMINI_API_KEY", 1),
		weather("weatherapi", "weatherapi", "https://api.weatherapi.com/v1", "env:WEATHERAPI_KEY", 10),
		weather("openweathermap", "openweathermap", "https://api.openweathermap.org/data/2.5", "env:OPENWEATHERMAP_API_KEY", 5),
		rates("frankfurter", "frankfurter", "https://api.frankfurter.app", "", 10),
		rates("exchangerate", "exchangerate", "https://v6.exchangerate-api.com/v6", "env:EXCHANGERATE_API_KEY", 5),
	}
}
