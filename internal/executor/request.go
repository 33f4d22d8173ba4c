package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/allaspectsdev/switchyard/internal/registry"
)

// Argument names understood by the request builders.
const (
	ArgPrompt    = "prompt"
	ArgSystem    = "system"
	ArgModel     = "model"
	ArgMaxTokens = "max_tokens"
	ArgLocation  = "location"
	ArgDays      = "days"
	ArgBase      = "base"
	ArgQuote     = "quote"
)

// Call is the canonical operation descriptor handed to a provider.
type Call struct {
	Service   registry.Service
	Operation registry.Operation
	Args      map[string]string
	Language  string
}

func (c Call) arg(name string) string { return c.Args[name] }

// errUnsupported marks a call the provider's wire format cannot express.
var errUnsupported = errors.New("executor: unsupported operation")

const anthropicVersion = "2023-06-01"

var defaultModels = map[registry.Kind]string{
	registry.KindOpenAI:    "gpt-4o-mini",
	registry.KindAnthropic: "claude-3-5-haiku-latest",
	registry.KindGemini:    "gemini-1.5-flash",
}

// buildRequest translates call into the provider's HTTP request.
func buildRequest(ctx context.Context, p registry.Provider, call Call) (*http.Request, error) {
	base := strings.TrimRight(p.BaseEndpoint, "/")

	switch p.Kind {
	case registry.KindOpenAI:
		return buildOpenAI(ctx, base, p, call)
	case registry.KindAnthropic:
		return buildAnthropic(ctx, base, p, call)
	case registry.KindGemini:
		return buildGemini(ctx, base, p, call)
	case registry.KindFlat:
		return buildFlat(ctx, base, p, call)
	case registry.KindWeatherAPI:
		return buildWeatherAPI(ctx, base, p, call)
	case registry.KindOpenWeatherMap:
		return buildOpenWeatherMap(ctx, base, p, call)
	case registry.KindExchangeRate:
		return buildExchangeRate(ctx, base, p, call)
	case registry.KindFrankfurter:
		return buildFrankfurter(ctx, base, p, call)
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", errUnsupported, p.Kind)
	}
}

func jsonRequest(ctx context.Context, endpoint string, body any) (*http.Request, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("executor: encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("executor: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func getRequest(ctx context.Context, endpoint string, q url.Values) (*http.Request, error) {
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("executor: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func requireOp(call Call, ops ...registry.Operation) error {
	for _, op := range ops {
		if call.Operation == op {
			return nil
		}
	}
	return fmt.Errorf("%w: %s.%s", errUnsupported, call.Service, call.Operation)
}

func model(p registry.Provider, call Call) string {
	if m := call.arg(ArgModel); m != "" {
		return m
	}
	return defaultModels[p.Kind]
}

func maxTokens(call Call, fallback int) int {
	if n, err := strconv.Atoi(call.arg(ArgMaxTokens)); err == nil && n > 0 {
		return n
	}
	return fallback
}

// --- chat ---

func buildOpenAI(ctx context.Context, base string, p registry.Provider, call Call) (*http.Request, error) {
	if err := requireOp(call, registry.OpCompletion); err != nil {
		return nil, err
	}
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	var msgs []message
	if s := call.arg(ArgSystem); s != "" {
		msgs = append(msgs, message{Role: "system", Content: s})
	}
	msgs = append(msgs, message{Role: "user", Content: call.arg(ArgPrompt)})

	body := map[string]any{
		"model":    model(p, call),
		"messages": msgs,
	}
	if n := maxTokens(call, 0); n > 0 {
		body["max_tokens"] = n
	}
	req, err := jsonRequest(ctx, base+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if p.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+p.Credential)
	}
	return req, nil
}

func buildAnthropic(ctx context.Context, base string, p registry.Provider, call Call) (*http.Request, error) {
	if err := requireOp(call, registry.OpCompletion); err != nil {
		return nil, err
	}
	body := map[string]any{
		"model":      model(p, call),
		"max_tokens": maxTokens(call, 1024),
		"messages": []map[string]string{
			{"role": "user", "content": call.arg(ArgPrompt)},
		},
	}
	if s := call.arg(ArgSystem); s != "" {
		body["system"] = s
	}
	req, err := jsonRequest(ctx, base+"/v1/messages", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.Credential)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func buildGemini(ctx context.Context, base string, p registry.Provider, call Call) (*http.Request, error) {
	if err := requireOp(call, registry.OpCompletion); err != nil {
		return nil, err
	}
	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]string{{"text": call.arg(ArgPrompt)}}},
		},
	}
	if s := call.arg(ArgSystem); s != "" {
		body["systemInstruction"] = map[string]any{"parts": []map[string]string{{"text": s}}}
	}
	if n := maxTokens(call, 0); n > 0 {
		body["generationConfig"] = map[string]int{"maxOutputTokens": n}
	}
	endpoint := base + "/models/" + url.PathEscape(model(p, call)) + ":generateContent"
	req, err := jsonRequest(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", p.Credential)
	return req, nil
}

// --- flat: the gateway's own proxy format, shared by weather, rates and
// any service that is not built in ---

func buildFlat(ctx context.Context, base string, p registry.Provider, call Call) (*http.Request, error) {
	q := url.Values{}
	var path string
	switch call.Service {
	case registry.ServiceWeather:
		if err := requireOp(call, registry.OpCurrent, registry.OpForecast); err != nil {
			return nil, err
		}
		path = "/" + string(call.Operation)
		q.Set("location", call.arg(ArgLocation))
		if call.Operation == registry.OpForecast {
			q.Set("days", call.arg(ArgDays))
		}
		if call.Language != "" {
			q.Set("lang", call.Language)
		}
	case registry.ServiceRates:
		if err := requireOp(call, registry.OpPair, registry.OpLatest); err != nil {
			return nil, err
		}
		path = "/" + string(call.Operation)
		q.Set("base", call.arg(ArgBase))
		if call.Operation == registry.OpPair {
			q.Set("quote", call.arg(ArgQuote))
		}
	case registry.ServiceChat:
		return nil, fmt.Errorf("%w: flat kind does not serve %s", errUnsupported, call.Service)
	default:
		if call.Operation == "" || strings.Contains(string(call.Operation), "/") {
			return nil, fmt.Errorf("%w: operation %q", errUnsupported, call.Operation)
		}
		path = "/" + url.PathEscape(string(call.Operation))
		for k, v := range call.Args {
			q.Set(k, v)
		}
		if call.Language != "" {
			q.Set("lang", call.Language)
		}
	}
	req, err := getRequest(ctx, base+path, q)
	if err != nil {
		return nil, err
	}
	if p.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+p.Credential)
	}
	return req, nil
}

// --- weather ---

func buildWeatherAPI(ctx context.Context, base string, p registry.Provider, call Call) (*http.Request, error) {
	if err := requireOp(call, registry.OpCurrent, registry.OpForecast); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("key", p.Credential)
	q.Set("q", call.arg(ArgLocation))
	q.Set("aqi", "no")
	if call.Language != "" {
		q.Set("lang", call.Language)
	}
	path := "/current.json"
	if call.Operation == registry.OpForecast {
		path = "/forecast.json"
		q.Set("days", call.arg(ArgDays))
	}
	return getRequest(ctx, base+path, q)
}

func buildOpenWeatherMap(ctx context.Context, base string, p registry.Provider, call Call) (*http.Request, error) {
	if err := requireOp(call, registry.OpCurrent, registry.OpForecast); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("q", call.arg(ArgLocation))
	q.Set("appid", p.Credential)
	q.Set("units", "standard")
	if call.Language != "" {
		q.Set("lang", call.Language)
	}
	path := "/weather"
	if call.Operation == registry.OpForecast {
		path = "/forecast/daily"
		q.Set("cnt", call.arg(ArgDays))
	}
	return getRequest(ctx, base+path, q)
}

// --- rates ---

func buildExchangeRate(ctx context.Context, base string, p registry.Provider, call Call) (*http.Request, error) {
	if err := requireOp(call, registry.OpPair, registry.OpLatest); err != nil {
		return nil, err
	}
	path := "/" + url.PathEscape(p.Credential)
	if call.Operation == registry.OpPair {
		path += "/pair/" + url.PathEscape(call.arg(ArgBase)) + "/" + url.PathEscape(call.arg(ArgQuote))
	} else {
		path += "/latest/" + url.PathEscape(call.arg(ArgBase))
	}
	return getRequest(ctx, base+path, nil)
}

func buildFrankfurter(ctx context.Context, base string, p registry.Provider, call Call) (*http.Request, error) {
	if err := requireOp(call, registry.OpPair, registry.OpLatest); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("from", call.arg(ArgBase))
	if call.Operation == registry.OpPair {
		q.Set("to", call.arg(ArgQuote))
	}
	return getRequest(ctx, base+"/latest", q)
}
