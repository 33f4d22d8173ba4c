package gateway

import (
	"time"

	"github.com/allaspectsdev/switchyard/internal/registry"
)

// Options tune a single request.
type Options struct {
	// PreferredProvider is a provider name (or "service/name") tried first
	// when it is enabled and currently admissible.
	PreferredProvider string
	// ForceOffline skips live providers and answers from cache or fallback.
	ForceOffline bool
	// TTLOverride replaces the service TTL for the stored result. A zero
	// duration disables caching for this request.
	TTLOverride *time.Duration
	// Language is passed to providers that localise text. Default "en".
	Language string
}

// TTL returns a pointer to d, for use as Options.TTLOverride.
func TTL(d time.Duration) *time.Duration { return &d }

// Default cache lifetimes per operation.
const (
	DefaultChatTTL            = 0
	DefaultWeatherCurrentTTL  = 30 * time.Minute
	DefaultWeatherForecastTTL = time.Hour
	DefaultRatesTTL           = time.Hour
)

// TTLs holds the cache lifetime of each service. A zero value disables
// caching for that service.
type TTLs struct {
	Chat            time.Duration
	WeatherCurrent  time.Duration
	WeatherForecast time.Duration
	Rates           time.Duration
	// Other applies to services that are not built in.
	Other time.Duration
}

// DefaultTTLs returns the built-in lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{
		Chat:            DefaultChatTTL,
		WeatherCurrent:  DefaultWeatherCurrentTTL,
		WeatherForecast: DefaultWeatherForecastTTL,
		Rates:           DefaultRatesTTL,
		Other:           DefaultWeatherCurrentTTL,
	}
}

// For returns the lifetime for an operation.
func (t TTLs) For(service registry.Service, op registry.Operation) time.Duration {
	switch service {
	case registry.ServiceChat:
		return t.Chat
	case registry.ServiceWeather:
		if op == registry.OpForecast {
			return t.WeatherForecast
		}
		return t.WeatherCurrent
	case registry.ServiceRates:
		return t.Rates
	default:
		return t.Other
	}
}

// Config holds gateway-wide settings.
type Config struct {
	// GlobalBudget bounds a whole request across all candidates. Zero means
	// twice the longest timeout among the service's providers.
	GlobalBudget time.Duration
	TTL          TTLs
}

// DefaultGlobalBudget is the configured default for Config.GlobalBudget.
const DefaultGlobalBudget = 120 * time.Second
