package fallback

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed rates.yaml
var defaultRatesYAML []byte

// PivotCurrency is the currency cross rates are routed through when neither
// the direct pair nor its inverse is in the table.
const PivotCurrency = "USD"

// ErrNoRate is returned when the table cannot price a pair.
var ErrNoRate = errors.New("fallback: no static rate for pair")

// RateTable is a compiled-in set of currency rates.
type RateTable struct {
	asOf  time.Time
	pairs map[string]float64
	codes []string
}

type rateFile struct {
	AsOf  time.Time `yaml:"as_of"`
	Pairs []struct {
		From string  `yaml:"from"`
		To   string  `yaml:"to"`
		Rate float64 `yaml:"rate"`
	} `yaml:"pairs"`
}

// DefaultRates returns the embedded table.
func DefaultRates() *RateTable {
	t, err := ParseRates(defaultRatesYAML)
	if err != nil {
		panic(fmt.Sprintf("fallback: embedded rates table: %v", err))
	}
	return t
}

// ParseRates decodes a YAML rate table.
func ParseRates(data []byte) (*RateTable, error) {
	var f rateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("fallback: parsing rates: %w", err)
	}

	t := &RateTable{asOf: f.AsOf.UTC(), pairs: make(map[string]float64, len(f.Pairs))}
	seen := make(map[string]bool)
	for i, p := range f.Pairs {
		from, to := strings.ToUpper(p.From), strings.ToUpper(p.To)
		if from == "" || to == "" || from == to {
			return nil, fmt.Errorf("fallback: rates pair %d: invalid currencies %q/%q", i, p.From, p.To)
		}
		if p.Rate <= 0 {
			return nil, fmt.Errorf("fallback: rates pair %s/%s: rate must be positive", from, to)
		}
		t.pairs[pairKey(from, to)] = p.Rate
		for _, c := range []string{from, to} {
			if !seen[c] {
				seen[c] = true
				t.codes = append(t.codes, c)
			}
		}
	}
	sort.Strings(t.codes)
	return t, nil
}

func pairKey(from, to string) string { return from + "/" + to }

// AsOf is the date the table's rates were taken.
func (t *RateTable) AsOf() time.Time { return t.asOf }

// Rate prices one unit of from in to. It tries the direct pair, then the
// inverse, then a route through PivotCurrency.
func (t *RateTable) Rate(from, to string) (float64, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		if t.known(from) {
			return 1, nil
		}
		return 0, fmt.Errorf("%w: %s/%s", ErrNoRate, from, to)
	}
	if r, ok := t.leg(from, to); ok {
		return r, nil
	}
	if from != PivotCurrency && to != PivotCurrency {
		toPivot, ok1 := t.leg(from, PivotCurrency)
		fromPivot, ok2 := t.leg(PivotCurrency, to)
		if ok1 && ok2 {
			return toPivot * fromPivot, nil
		}
	}
	return 0, fmt.Errorf("%w: %s/%s", ErrNoRate, from, to)
}

// leg resolves a direct pair or its inverse.
func (t *RateTable) leg(from, to string) (float64, bool) {
	if r, ok := t.pairs[pairKey(from, to)]; ok {
		return r, true
	}
	if r, ok := t.pairs[pairKey(to, from)]; ok {
		return 1 / r, true
	}
	return 0, false
}

func (t *RateTable) known(code string) bool {
	i := sort.SearchStrings(t.codes, code)
	return i < len(t.codes) && t.codes[i] == code
}

// Quotes prices base against every other currency the table can reach.
func (t *RateTable) Quotes(base string) (map[string]float64, error) {
	base = strings.ToUpper(base)
	out := make(map[string]float64)
	for _, c := range t.codes {
		if c == base {
			continue
		}
		if r, err := t.Rate(base, c); err == nil {
			out[c] = r
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRate, base)
	}
	return out, nil
}
