package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/allaspectsdev/switchyard/internal/registry"
)

// Result is the canonical, provider-independent answer to one operation.
// Exactly one of the payload fields is set, matching Operation. Services
// that are not built in carry the upstream JSON object verbatim in Data.
type Result struct {
	Service   registry.Service   `json:"service"`
	Operation registry.Operation `json:"operation"`

	Chat     *Chat           `json:"chat,omitempty"`
	Current  *Current        `json:"current,omitempty"`
	Forecast *Forecast       `json:"forecast,omitempty"`
	Rates    *Rates          `json:"rates,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Chat is a completed chat exchange.
type Chat struct {
	Text         string `json:"text"`
	ModelUsed    string `json:"model_used"`
	TokensIn     *int   `json:"tokens_in,omitempty"`
	TokensOut    *int   `json:"tokens_out,omitempty"`
	FinishReason string `json:"finish_reason"`
}

// Location identifies where a weather observation applies.
type Location struct {
	Name    string   `json:"name"`
	Country string   `json:"country,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
}

// Observation holds current conditions in metric units.
type Observation struct {
	TemperatureC  float64   `json:"temperature_c"`
	FeelsLikeC    *float64  `json:"feels_like_c,omitempty"`
	HumidityPct   *float64  `json:"humidity_pct,omitempty"`
	PressureHpa   *float64  `json:"pressure_hpa,omitempty"`
	WindMps       *float64  `json:"wind_mps,omitempty"`
	WindDeg       *float64  `json:"wind_deg,omitempty"`
	VisibilityKm  *float64  `json:"visibility_km,omitempty"`
	ConditionCode *int      `json:"condition_code,omitempty"`
	ConditionText string    `json:"condition_text"`
	ObservedAt    time.Time `json:"observed_at"`
}

// Current is the weather.current payload.
type Current struct {
	Location Location    `json:"location"`
	Observed Observation `json:"observed"`
}

// Day is one forecast day.
type Day struct {
	Date            string   `json:"date"`
	MinC            float64  `json:"min_c"`
	MaxC            float64  `json:"max_c"`
	AvgC            *float64 `json:"avg_c,omitempty"`
	ConditionText   string   `json:"condition_text"`
	ConditionCode   *int     `json:"condition_code,omitempty"`
	PrecipitationMm *float64 `json:"precipitation_mm,omitempty"`
	ChanceOfRainPct *float64 `json:"chance_of_rain_pct,omitempty"`
}

// Forecast is the weather.forecast payload.
type Forecast struct {
	Location Location `json:"location"`
	Days     []Day    `json:"days"`
}

// Rates is the rates.pair and rates.latest payload. Quotes maps a currency
// code to the number of units of it one unit of Base buys.
type Rates struct {
	Base   string             `json:"base"`
	AsOf   time.Time          `json:"as_of"`
	Quotes map[string]float64 `json:"quotes"`
}

// Canonical returns the serialised canonical form of r. It is what the cache
// stores and what KindCanonical accepts.
func Canonical(r Result) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("normalize: encoding canonical result: %w", err)
	}
	return b, nil
}

// Rate returns the quote for code, if present.
func (r *Rates) Rate(code string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	v, ok := r.Quotes[code]
	return v, ok
}
