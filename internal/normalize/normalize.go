// Package normalize maps provider-specific JSON bodies onto the canonical
// result shapes the gateway caches and returns. Unit conversion to metric and
// UTC happens here, never in callers.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/clock"
	"github.com/allaspectsdev/switchyard/internal/registry"
)

// ErrMalformed is returned when a body lacks a required field or cannot be
// decoded. The dispatcher treats it exactly like a malformed upstream
// response.
var ErrMalformed = errors.New("normalize: malformed response")

// KindCanonical re-normalises a payload that is already in canonical form.
const KindCanonical registry.Kind = "canonical"

// MaxForecastDays is the longest forecast the gateway returns.
const MaxForecastDays = 10

// Options carries the request context the normalizer needs.
type Options struct {
	// Service selects the generic payload when it is not a built-in
	// service. Empty means the service implied by the operation.
	Service registry.Service
	// Days is the requested forecast length, clamped to 1..MaxForecastDays.
	// Zero means the maximum.
	Days int
	// Location is the caller's query, used only when a provider omits the
	// resolved place name.
	Location string
	// Base and Quote are the requested currencies for rates operations.
	Base  string
	Quote string
}

func (o Options) days() int {
	switch {
	case o.Days <= 0, o.Days > MaxForecastDays:
		return MaxForecastDays
	default:
		return o.Days
	}
}

// Normalizer converts upstream bodies. Its clock supplies observedAt/asOf
// only when a source does not report one.
type Normalizer struct {
	clk clock.Clock
}

// New creates a Normalizer.
func New(clk clock.Clock) *Normalizer {
	return &Normalizer{clk: clk}
}

// Normalize decodes body according to kind and op.
func (n *Normalizer) Normalize(kind registry.Kind, op registry.Operation, body []byte, opts Options) (Result, error) {
	if kind == KindCanonical {
		return n.canonical(op, body, opts)
	}
	if opts.Service != "" && !opts.Service.BuiltIn() {
		data, err := generic(body)
		if err != nil {
			return Result{}, err
		}
		return Result{Service: opts.Service, Operation: op, Data: data}, nil
	}

	switch op {
	case registry.OpCompletion:
		c, err := n.chat(kind, body)
		if err != nil {
			return Result{}, err
		}
		return Result{Service: registry.ServiceChat, Operation: op, Chat: c}, nil

	case registry.OpCurrent:
		c, err := n.current(kind, body, opts)
		if err != nil {
			return Result{}, err
		}
		return Result{Service: registry.ServiceWeather, Operation: op, Current: c}, nil

	case registry.OpForecast:
		f, err := n.forecast(kind, body, opts)
		if err != nil {
			return Result{}, err
		}
		return Result{Service: registry.ServiceWeather, Operation: op, Forecast: f}, nil

	case registry.OpPair, registry.OpLatest:
		r, err := n.rates(kind, op, body, opts)
		if err != nil {
			return Result{}, err
		}
		return Result{Service: registry.ServiceRates, Operation: op, Rates: r}, nil
	}

	return Result{}, fmt.Errorf("%w: unsupported operation %q", ErrMalformed, op)
}

// canonical validates and re-projects a canonical payload. Normalising a
// canonical payload yields the same result.
func (n *Normalizer) canonical(op registry.Operation, body []byte, opts Options) (Result, error) {
	var r Result
	if err := decode(body, &r); err != nil {
		return Result{}, err
	}
	if r.Operation != op {
		return Result{}, fmt.Errorf("%w: canonical payload is for %q, not %q", ErrMalformed, r.Operation, op)
	}
	if r.Service != "" && !r.Service.BuiltIn() {
		if len(r.Data) == 0 {
			return Result{}, missing("data")
		}
		return r, nil
	}

	switch op {
	case registry.OpCompletion:
		if r.Chat == nil {
			return Result{}, missing("chat")
		}
		if r.Chat.FinishReason == "" {
			r.Chat.FinishReason = FinishUnknown
		}
	case registry.OpCurrent:
		if r.Current == nil {
			return Result{}, missing("current")
		}
		r.Current.Observed.ObservedAt = n.instant(r.Current.Observed.ObservedAt)
	case registry.OpForecast:
		if r.Forecast == nil || len(r.Forecast.Days) == 0 {
			return Result{}, missing("forecast.days")
		}
		if len(r.Forecast.Days) > opts.days() {
			r.Forecast.Days = r.Forecast.Days[:opts.days()]
		}
	case registry.OpPair, registry.OpLatest:
		if r.Rates == nil || len(r.Rates.Quotes) == 0 {
			return Result{}, missing("rates.quotes")
		}
		r.Rates.AsOf = n.instant(r.Rates.AsOf)
	default:
		return Result{}, fmt.Errorf("%w: unsupported operation %q", ErrMalformed, op)
	}
	return r, nil
}

// generic accepts any JSON object and compacts it.
func generic(body []byte) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := decode(body, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return buf.Bytes(), nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing required field %s", ErrMalformed, field)
}

func unknownKind(kind registry.Kind, op registry.Operation) error {
	return fmt.Errorf("%w: kind %q cannot answer %q", ErrMalformed, kind, op)
}

// instant returns t in UTC, or the clock's now when t is unset.
func (n *Normalizer) instant(t time.Time) time.Time {
	if t.IsZero() {
		return n.clk.Now().UTC()
	}
	return t.UTC()
}

func unixPtr(sec *float64) time.Time {
	if sec == nil || *sec <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(*sec), 0).UTC()
}

// splitLocation turns "London, UK" into ("London", "UK").
func splitLocation(s string) (name, country string) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, ","); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

func locationName(name string, opts Options) (string, error) {
	if name = strings.TrimSpace(name); name != "" {
		return name, nil
	}
	if opts.Location != "" {
		return opts.Location, nil
	}
	return "", missing("location.name")
}
