package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Service is a coarse capability the gateway exposes to callers.
type Service string

const (
	ServiceChat    Service = "chat"
	ServiceWeather Service = "weather"
	ServiceRates   Service = "rates"
)

// Operation is a specific call within a service.
type Operation string

const (
	OpCompletion Operation = "completion"
	OpCurrent    Operation = "current"
	OpForecast   Operation = "forecast"
	OpPair       Operation = "pair"
	OpLatest     Operation = "latest"
)

// serviceOperations lists the operations each built-in service understands.
var serviceOperations = map[Service][]Operation{
	ServiceChat:    {OpCompletion},
	ServiceWeather: {OpCurrent, OpForecast},
	ServiceRates:   {OpPair, OpLatest},
}

// BuiltIn reports whether s is one of the services with a typed payload.
func (s Service) BuiltIn() bool {
	_, ok := serviceOperations[s]
	return ok
}

// Supports reports whether op is a known operation of s. Services that are
// not built in accept any operation so the registry stays extensible.
func (s Service) Supports(op Operation) bool {
	ops, ok := serviceOperations[s]
	if !ok {
		return op != ""
	}
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

// Kind selects the upstream wire format understood by the executor and the
// normalizer.
type Kind string

const (
	KindOpenAI         Kind = "openai"
	KindAnthropic      Kind = "anthropic"
	KindGemini         Kind = "gemini"
	KindFlat           Kind = "flat"
	KindWeatherAPI     Kind = "weatherapi"
	KindOpenWeatherMap Kind = "openweathermap"
	KindExchangeRate   Kind = "exchangerate"
	KindFrankfurter    Kind = "frankfurter"
)

// serviceKinds lists the wire formats each built-in service can speak. It
// must match what the executor can build and the normalizer can decode.
var serviceKinds = map[Service][]Kind{
	ServiceChat:    {KindOpenAI, KindAnthropic, KindGemini},
	ServiceWeather: {KindFlat, KindWeatherAPI, KindOpenWeatherMap},
	ServiceRates:   {KindFlat, KindExchangeRate, KindFrankfurter},
}

// AcceptsKind reports whether providers of s may use wire format k.
// Services that are not built in accept only KindFlat.
func (s Service) AcceptsKind(k Kind) bool {
	kinds, ok := serviceKinds[s]
	if !ok {
		return k == KindFlat
	}
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

// Limit is a sliding-window admission budget.
type Limit struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// Provider is one upstream implementing operations of a single service.
// Values are treated as immutable once registered; a configuration change
// replaces the whole record.
type Provider struct {
	Service      Service       `json:"service"`
	Name         string        `json:"name"`
	Kind         Kind          `json:"kind"`
	BaseEndpoint string        `json:"base_endpoint"`
	Credential   string        `json:"-"`
	Priority     int           `json:"priority"`
	Enabled      bool          `json:"enabled"`
	Limit        Limit         `json:"limit"`
	Timeout      time.Duration `json:"timeout"`
	Capabilities []Operation   `json:"capabilities"`
	HealthProbe  string        `json:"health_probe,omitempty"`
}

// ID returns the registry key of the provider, "service/name".
func (p Provider) ID() string {
	return string(p.Service) + "/" + p.Name
}

// Supports returns true if the provider implements op.
func (p Provider) Supports(op Operation) bool {
	for _, c := range p.Capabilities {
		if c == op {
			return true
		}
	}
	return false
}

// String never includes the credential.
func (p Provider) String() string {
	return fmt.Sprintf("%s(%s, priority=%d)", p.ID(), p.Kind, p.Priority)
}

// MarshalZerologObject lets providers be logged with .Object without leaking
// the credential.
func (p Provider) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", p.ID()).
		Str("kind", string(p.Kind)).
		Int("priority", p.Priority).
		Bool("enabled", p.Enabled).
		Bool("has_credential", p.Credential != "")
}

// Validate checks the structural invariants of a provider record.
func (p Provider) Validate() error {
	return p.validate()
}

func (p Provider) validate() error {
	var errs []string
	if p.Service == "" {
		errs = append(errs, "service must not be empty")
	}
	if p.Name == "" {
		errs = append(errs, "name must not be empty")
	}
	if p.Limit.Window <= 0 {
		errs = append(errs, fmt.Sprintf("limit window must be positive, got %s", p.Limit.Window))
	}
	if p.Limit.MaxRequests <= 0 {
		errs = append(errs, fmt.Sprintf("limit max requests must be positive, got %d", p.Limit.MaxRequests))
	}
	if p.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("timeout must be positive, got %s", p.Timeout))
	}
	if p.Service != "" && !p.Service.AcceptsKind(p.Kind) {
		errs = append(errs, fmt.Sprintf("kind %q cannot serve service %q", p.Kind, p.Service))
	}
	if len(p.Capabilities) == 0 {
		errs = append(errs, "capabilities must not be empty")
	}
	for _, c := range p.Capabilities {
		if !p.Service.Supports(c) {
			errs = append(errs, fmt.Sprintf("capability %q is not an operation of service %q", c, p.Service))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrInvalidProvider, p.ID(), strings.Join(errs, "; "))
	}
	return nil
}

// clone returns a deep copy so callers can never mutate registry state.
func (p Provider) clone() Provider {
	caps := make([]Operation, len(p.Capabilities))
	copy(caps, p.Capabilities)
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	p.Capabilities = caps
	return p
}
