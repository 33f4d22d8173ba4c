package gateway

import (
	"strconv"
	"strings"

	"github.com/allaspectsdev/switchyard/internal/cache"
	"github.com/allaspectsdev/switchyard/internal/executor"
	"github.com/allaspectsdev/switchyard/internal/normalize"
	"github.com/allaspectsdev/switchyard/internal/registry"
)

const (
	defaultLanguage     = "en"
	defaultForecastDays = 3
	// units is fixed: the normalizer always produces metric values.
	units = "metric"
)

// prepared is a validated request ready for dispatch.
type prepared struct {
	service     registry.Service
	op          registry.Operation
	call        executor.Call
	norm        normalize.Options
	fingerprint string
}

func (p *prepared) namespace() string { return string(p.service) }

// prepare validates args and derives the executor call, normalizer options
// and fingerprint. Locations fold to lower case and currency codes to upper
// case in the fingerprint, so equivalent requests share a cache entry.
func prepare(service registry.Service, op registry.Operation, args map[string]string, opts Options) (*prepared, error) {
	if service == "" {
		return nil, callerErrorf("service is required")
	}
	if !service.Supports(op) {
		return nil, callerErrorf("service %q has no operation %q", service, op)
	}

	lang := strings.ToLower(strings.TrimSpace(opts.Language))
	if lang == "" {
		lang = defaultLanguage
	}

	callArgs := make(map[string]string, len(args))
	folded := make(map[string]string, len(args))
	for k, v := range args {
		name := strings.ToLower(strings.TrimSpace(k))
		if prev, dup := folded[name]; dup {
			return nil, callerErrorf("argument %q is given more than once (as %q and %q)", name, min(prev, k), max(prev, k))
		}
		folded[name] = k
		if v = strings.TrimSpace(v); v != "" && name != "" {
			callArgs[name] = v
		}
	}
	keyArgs := make(map[string]string, len(callArgs))
	nopts := normalize.Options{Service: service}

	// Services without a typed payload take their arguments as given.
	shape := op
	if !service.BuiltIn() {
		shape = ""
	}

	switch shape {
	case registry.OpCompletion:
		if callArgs[executor.ArgPrompt] == "" {
			return nil, callerErrorf("prompt is required")
		}
		if mt, ok := callArgs[executor.ArgMaxTokens]; ok {
			if n, err := strconv.Atoi(mt); err != nil || n <= 0 {
				return nil, callerErrorf("max_tokens must be a positive integer, got %q", mt)
			}
		}
		for k, v := range callArgs {
			keyArgs[k] = v
		}

	case registry.OpCurrent, registry.OpForecast:
		loc := collapseSpaces(callArgs[executor.ArgLocation])
		if loc == "" {
			return nil, callerErrorf("location is required")
		}
		callArgs[executor.ArgLocation] = loc
		keyArgs[executor.ArgLocation] = strings.ToLower(loc)
		nopts.Location = loc

		if op == registry.OpForecast {
			days := defaultForecastDays
			if raw, ok := callArgs[executor.ArgDays]; ok {
				n, err := strconv.Atoi(raw)
				if err != nil || n <= 0 {
					return nil, callerErrorf("days must be a positive integer, got %q", raw)
				}
				days = min(n, normalize.MaxForecastDays)
			}
			callArgs[executor.ArgDays] = strconv.Itoa(days)
			keyArgs[executor.ArgDays] = strconv.Itoa(days)
			nopts.Days = days
		} else {
			delete(callArgs, executor.ArgDays)
		}

	case registry.OpPair, registry.OpLatest:
		base, err := currency(callArgs[executor.ArgBase], executor.ArgBase)
		if err != nil {
			return nil, err
		}
		callArgs[executor.ArgBase] = base
		keyArgs[executor.ArgBase] = base
		nopts.Base = base

		if op == registry.OpPair {
			quote, err := currency(callArgs[executor.ArgQuote], executor.ArgQuote)
			if err != nil {
				return nil, err
			}
			callArgs[executor.ArgQuote] = quote
			keyArgs[executor.ArgQuote] = quote
			nopts.Quote = quote
		} else {
			delete(callArgs, executor.ArgQuote)
		}

	default:
		for k, v := range callArgs {
			keyArgs[k] = v
		}
	}

	return &prepared{
		service: service,
		op:      op,
		call: executor.Call{
			Service:   service,
			Operation: op,
			Args:      callArgs,
			Language:  lang,
		},
		norm:        nopts,
		fingerprint: cache.Fingerprint(string(service), string(op), keyArgs, units, lang),
	}, nil
}

// currency validates and upper-cases an ISO 4217 style code.
func currency(raw, field string) (string, error) {
	code := strings.ToUpper(raw)
	if len(code) != 3 {
		return "", callerErrorf("%s must be a three-letter currency code, got %q", field, raw)
	}
	for i := 0; i < 3; i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return "", callerErrorf("%s must be a three-letter currency code, got %q", field, raw)
		}
	}
	return code, nil
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
