package fallback

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/cache"
	"github.com/allaspectsdev/switchyard/internal/clock"
	"github.com/allaspectsdev/switchyard/internal/normalize"
	"github.com/allaspectsdev/switchyard/internal/registry"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 0.005 }

func TestChains(t *testing.T) {
	tests := []struct {
		service registry.Service
		want    []Strategy
	}{
		{registry.ServiceWeather, []Strategy{StaleCache, Unavailable}},
		{registry.ServiceChat, []Strategy{StaleCache, Unavailable}},
		{registry.ServiceRates, []Strategy{StaleCache, StaticTable, Unavailable}},
		{registry.Service("translate"), []Strategy{StaleCache, Unavailable}},
	}
	for _, tt := range tests {
		got := Chain(tt.service)
		if len(got) != len(tt.want) {
			t.Errorf("%s: chain = %v", tt.service, got)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: chain = %v, want %v", tt.service, got, tt.want)
				break
			}
		}
	}
}

func TestRateLookupOrder(t *testing.T) {
	table, err := ParseRates([]byte(`
as_of: 2024-01-01T00:00:00Z
pairs:
  - {from: USD, to: EUR, rate: 0.85}
  - {from: USD, to: GBP, rate: 0.76}
  - {from: EUR, to: CHF, rate: 0.95}
`))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		from, to string
		want     float64
	}{
		{"USD", "EUR", 0.85},         // direct
		{"eur", "usd", 1 / 0.85},     // inverse
		{"GBP", "EUR", 0.85 / 0.76},  // pivot
		{"EUR", "CHF", 0.95},         // direct beats pivot
		{"CHF", "EUR", 1 / 0.95},     // inverse
		{"EUR", "EUR", 1},
	}
	for _, tt := range tests {
		got, err := table.Rate(tt.from, tt.to)
		if err != nil {
			t.Errorf("%s/%s: %v", tt.from, tt.to, err)
			continue
		}
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s/%s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	// CHF only links to EUR, so the USD pivot cannot reach GBP.
	if _, err := table.Rate("CHF", "GBP"); !errors.Is(err, ErrNoRate) {
		t.Errorf("CHF/GBP err = %v, want ErrNoRate", err)
	}
	if _, err := table.Rate("XYZ", "XYZ"); !errors.Is(err, ErrNoRate) {
		t.Errorf("unknown identity err = %v", err)
	}
}

func TestParseRatesRejectsBadTables(t *testing.T) {
	for _, doc := range []string{
		"pairs: [{from: USD, to: USD, rate: 1}]",
		"pairs: [{from: USD, to: EUR, rate: 0}]",
		"pairs: [{from: '', to: EUR, rate: 1}]",
		"pairs: {not: a list}",
	} {
		if _, err := ParseRates([]byte(doc)); err == nil {
			t.Errorf("ParseRates(%q) succeeded", doc)
		}
	}
}

func TestDefaultRatesEmbedded(t *testing.T) {
	table := DefaultRates()
	if table.AsOf().IsZero() {
		t.Error("embedded table has no as_of")
	}
	if q, err := table.Quotes("USD"); err != nil || len(q) < 2 {
		t.Errorf("quotes = %v, err = %v", q, err)
	}
}

func TestStaticPivotConversion(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	o := New(clk, DefaultRates(), zerolog.Nop())

	r, deg, ok := o.Resolve(Request{
		Service:   registry.ServiceRates,
		Operation: registry.OpPair,
		Options:   normalize.Options{Base: "GBP", Quote: "EUR"},
	})
	if !ok {
		t.Fatal("static table should answer GBP/EUR")
	}
	if deg.Reason != ReasonStatic {
		t.Errorf("reason = %q", deg.Reason)
	}
	rate, _ := r.Rates.Rate("EUR")
	if got := 100 * rate; !approx(got, 111.84) {
		t.Errorf("100 GBP = %.4f EUR, want 111.84", got)
	}
}

func TestStaticLatest(t *testing.T) {
	o := New(clock.NewFake(clock.Epoch), nil, zerolog.Nop())
	r, _, ok := o.Resolve(Request{
		Service:   registry.ServiceRates,
		Operation: registry.OpLatest,
		Options:   normalize.Options{Base: "EUR"},
	})
	if !ok {
		t.Fatal("expected static latest rates")
	}
	if _, ok := r.Rates.Quotes["EUR"]; ok {
		t.Error("base currency should not quote itself")
	}
	if usd, ok := r.Rates.Rate("USD"); !ok || !approx(usd, 1/0.85) {
		t.Errorf("EUR/USD = %v", usd)
	}
}

func TestStaleBeatsStatic(t *testing.T) {
	clk := clock.NewFake(clock.Epoch)
	o := New(clk, nil, zerolog.Nop())

	live := normalize.Result{
		Service:   registry.ServiceRates,
		Operation: registry.OpPair,
		Rates:     &normalize.Rates{Base: "GBP", AsOf: clock.Epoch, Quotes: map[string]float64{"EUR": 1.17}},
	}
	payload, _ := normalize.Canonical(live)
	stale := &cache.Entry{
		Fingerprint:    "rates.pair-x",
		Payload:        payload,
		CreatedAt:      clock.Epoch,
		ExpiresAt:      clock.Epoch.Add(time.Hour),
		SourceProvider: "rates/frankfurter",
	}

	r, deg, ok := o.Resolve(Request{
		Service:   registry.ServiceRates,
		Operation: registry.OpPair,
		Stale:     stale,
		Options:   normalize.Options{Base: "GBP", Quote: "EUR"},
	})
	if !ok || deg.Reason != ReasonStale {
		t.Fatalf("ok=%v reason=%q", ok, deg.Reason)
	}
	if rate, _ := r.Rates.Rate("EUR"); rate != 1.17 {
		t.Errorf("rate = %v, want the cached 1.17", rate)
	}
	if deg.CachedAt == nil || !deg.CachedAt.Equal(clock.Epoch) {
		t.Errorf("cachedAt = %v", deg.CachedAt)
	}
	if deg.Source != "rates/frankfurter" {
		t.Errorf("source = %q", deg.Source)
	}
}

func TestUnavailable(t *testing.T) {
	o := New(clock.NewFake(clock.Epoch), nil, zerolog.Nop())

	if _, _, ok := o.Resolve(Request{Service: registry.ServiceWeather, Operation: registry.OpCurrent}); ok {
		t.Error("weather without stale entry should be unavailable")
	}
	if _, _, ok := o.Resolve(Request{
		Service:   registry.ServiceRates,
		Operation: registry.OpPair,
		Options:   normalize.Options{Base: "XXX", Quote: "EUR"},
	}); ok {
		t.Error("unpriceable pair should be unavailable")
	}

	// A corrupt stale payload is skipped rather than returned.
	bad := &cache.Entry{Fingerprint: "f", Payload: json.RawMessage(`{"operation":"current"}`)}
	if _, _, ok := o.Resolve(Request{Service: registry.ServiceWeather, Operation: registry.OpCurrent, Stale: bad}); ok {
		t.Error("corrupt stale entry should not be served")
	}
}
