package gateway

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/executor"
	"github.com/allaspectsdev/switchyard/internal/fallback"
	"github.com/allaspectsdev/switchyard/internal/registry"
)

// Conversion is the answer to Convert.
type Conversion struct {
	Amount    float64               `json:"amount"`
	From      string                `json:"from"`
	To        string                `json:"to"`
	Rate      float64               `json:"rate"`
	Value     float64               `json:"value"`
	AsOf      time.Time             `json:"as_of"`
	Provider  string                `json:"provider,omitempty"`
	Cache     string                `json:"cache"`
	Degraded  *fallback.Degradation `json:"degraded,omitempty"`
	RequestID string                `json:"request_id"`
}

// Convert prices amount of from in to using rates.pair, with the same
// caching and fallback as Request.
func (g *Gateway) Convert(ctx context.Context, amount float64, from, to string, opts Options) (*Conversion, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, callerErrorf("amount must be a finite number")
	}
	res, err := g.Request(ctx, registry.ServiceRates, registry.OpPair, map[string]string{
		executor.ArgBase:  from,
		executor.ArgQuote: to,
	}, opts)
	if err != nil {
		return nil, err
	}

	code := strings.ToUpper(strings.TrimSpace(to))
	rate, ok := res.Rates.Rate(code)
	if !ok {
		return nil, &ExhaustedError{
			Service:   string(registry.ServiceRates),
			Operation: string(registry.OpPair),
			Attempts:  append(res.Attempts, Attempt{Provider: res.Provider, Classification: "missing_quote", Detail: code}),
		}
	}
	return &Conversion{
		Amount:    amount,
		From:      res.Rates.Base,
		To:        code,
		Rate:      rate,
		Value:     math.Round(amount*rate*100) / 100,
		AsOf:      res.Rates.AsOf,
		Provider:  res.Provider,
		Cache:     res.Cache,
		Degraded:  res.Degraded,
		RequestID: res.RequestID,
	}, nil
}
