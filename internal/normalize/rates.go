package normalize

import (
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/registry"
)

// ecbZone is the zone frankfurter publishes its reference-rate dates in.
var ecbZone = time.FixedZone("CET", 3600)

type flatPair struct {
	Base  string    `json:"base"`
	Quote string    `json:"quote"`
	Rate  *float64  `json:"rate"`
	AsOf  *flexTime `json:"as_of"`
}

type flatLatest struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
	AsOf  *flexTime          `json:"as_of"`
}

type exchangeRateResponse struct {
	Result             string             `json:"result"`
	BaseCode           string             `json:"base_code"`
	TargetCode         string             `json:"target_code"`
	ConversionRate     *float64           `json:"conversion_rate"`
	ConversionRates    map[string]float64 `json:"conversion_rates"`
	TimeLastUpdateUnix *float64           `json:"time_last_update_unix"`
}

type frankfurterResponse struct {
	Base  string             `json:"base"`
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

func (n *Normalizer) rates(kind registry.Kind, op registry.Operation, body []byte, opts Options) (*Rates, error) {
	var r Rates

	switch kind {
	case registry.KindFlat:
		if op == registry.OpPair {
			var p flatPair
			if err := decode(body, &p); err != nil {
				return nil, err
			}
			if p.Rate == nil {
				return nil, missing("rate")
			}
			quote := code(p.Quote, opts.Quote)
			if quote == "" {
				return nil, missing("quote")
			}
			r.Base = code(p.Base, opts.Base)
			r.Quotes = map[string]float64{quote: *p.Rate}
			if p.AsOf != nil {
				r.AsOf = p.AsOf.Time
			}
		} else {
			var l flatLatest
			if err := decode(body, &l); err != nil {
				return nil, err
			}
			r.Base = code(l.Base, opts.Base)
			r.Quotes = upperKeys(l.Rates)
			if l.AsOf != nil {
				r.AsOf = l.AsOf.Time
			}
		}

	case registry.KindExchangeRate:
		var e exchangeRateResponse
		if err := decode(body, &e); err != nil {
			return nil, err
		}
		if e.Result != "" && e.Result != "success" {
			return nil, missing("result=success")
		}
		r.Base = code(e.BaseCode, opts.Base)
		if op == registry.OpPair {
			if e.ConversionRate == nil {
				return nil, missing("conversion_rate")
			}
			r.Quotes = map[string]float64{code(e.TargetCode, opts.Quote): *e.ConversionRate}
		} else {
			r.Quotes = upperKeys(e.ConversionRates)
		}
		r.AsOf = unixPtr(e.TimeLastUpdateUnix)

	case registry.KindFrankfurter:
		var f frankfurterResponse
		if err := decode(body, &f); err != nil {
			return nil, err
		}
		r.Base = code(f.Base, opts.Base)
		r.Quotes = upperKeys(f.Rates)
		if f.Date != "" {
			if d, err := time.ParseInLocation("2006-01-02", f.Date, ecbZone); err == nil {
				r.AsOf = d
			}
		}

	default:
		return nil, unknownKind(kind, op)
	}

	if r.Base == "" {
		return nil, missing("base")
	}
	if len(r.Quotes) == 0 {
		return nil, missing("rates")
	}
	if op == registry.OpPair && opts.Quote != "" {
		if _, ok := r.Quotes[strings.ToUpper(opts.Quote)]; !ok {
			return nil, missing("rates." + strings.ToUpper(opts.Quote))
		}
	}
	r.AsOf = n.instant(r.AsOf)
	return &r, nil
}

func code(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return strings.ToUpper(v)
	}
	return strings.ToUpper(strings.TrimSpace(fallback))
}

func upperKeys(m map[string]float64) map[string]float64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}
