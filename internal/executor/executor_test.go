package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/clock"
	"github.com/allaspectsdev/switchyard/internal/registry"
)

func testProvider(kind registry.Kind, service registry.Service, base string) registry.Provider {
	caps := []registry.Operation{registry.OpCurrent, registry.OpForecast}
	switch service {
	case registry.ServiceChat:
		caps = []registry.Operation{registry.OpCompletion}
	case registry.ServiceRates:
		caps = []registry.Operation{registry.OpPair, registry.OpLatest}
	}
	return registry.Provider{
		Service:      service,
		Name:         string(kind),
		Kind:         kind,
		BaseEndpoint: base,
		Credential:   "secret-credential-123",
		Priority:     1,
		Enabled:      true,
		Limit:        registry.Limit{MaxRequests: 10, Window: time.Second},
		Timeout:      2 * time.Second,
		Capabilities: caps,
	}
}

func weatherCall() Call {
	return Call{
		Service:   registry.ServiceWeather,
		Operation: registry.OpCurrent,
		Args:      map[string]string{ArgLocation: "london"},
	}
}

func newTestClient() *Client {
	return NewClientWithHTTP(&http.Client{}, clock.New(), zerolog.Nop())
}

func TestExecute_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		body   string
		want   Classification
	}{
		{"success", 200, nil, `{"temp_c":20}`, Success},
		{"created", 201, nil, `{}`, Success},
		{"malformed", 200, nil, `<html>oops</html>`, MalformedResponse},
		{"empty body", 200, nil, ``, MalformedResponse},
		{"server error", 500, nil, `{"error":"boom"}`, ProviderServerError},
		{"bad gateway", 502, nil, ``, ProviderServerError},
		{"unavailable without retry-after", 503, nil, ``, ProviderServerError},
		{"unavailable with retry-after", 503, map[string]string{"Retry-After": "5"}, ``, ProviderRateLimited},
		{"too many requests", 429, map[string]string{"Retry-After": "7"}, ``, ProviderRateLimited},
		{"request timeout", 408, nil, ``, ProviderTimeout},
		{"unauthorized", 401, nil, `{"error":"bad key"}`, ProviderAuthFailure},
		{"forbidden", 403, nil, ``, ProviderAuthFailure},
		{"bad request", 400, nil, `{"error":"no location"}`, CallerError},
		{"not found", 404, nil, `{"error":"no matching location"}`, CallerError},
		{"unprocessable", 422, nil, ``, CallerError},
		{"redirect", 302, nil, ``, ProviderServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewClientWithHTTP(&http.Client{
				CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
			}, clock.New(), zerolog.Nop())

			out := c.Execute(context.Background(), testProvider(registry.KindFlat, registry.ServiceWeather, srv.URL), weatherCall())
			if out.Class != tt.want {
				t.Fatalf("classification: got %s, want %s (detail %q)", out.Class, tt.want, out.Detail)
			}
			if out.Status != tt.status {
				t.Errorf("status: got %d, want %d", out.Status, tt.status)
			}
			if tt.want == Success && string(out.Body) != tt.body {
				t.Errorf("body: got %q, want %q", out.Body, tt.body)
			}
		})
	}
}

func TestExecute_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	out := newTestClient().Execute(context.Background(), testProvider(registry.KindFlat, registry.ServiceWeather, srv.URL), weatherCall())
	if out.Class != ProviderRateLimited {
		t.Fatalf("classification: got %s", out.Class)
	}
	if out.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter: got %s, want 30s", out.RetryAfter)
	}
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := testProvider(registry.KindFlat, registry.ServiceWeather, srv.URL)
	p.Timeout = 50 * time.Millisecond

	out := newTestClient().Execute(context.Background(), p, weatherCall())
	if out.Class != ProviderTimeout {
		t.Fatalf("classification: got %s, want provider_timeout (detail %q)", out.Class, out.Detail)
	}
}

func TestExecute_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	out := newTestClient().Execute(context.Background(), testProvider(registry.KindFlat, registry.ServiceWeather, url), weatherCall())
	if out.Class != ProviderUnreachable {
		t.Fatalf("classification: got %s, want provider_unreachable (detail %q)", out.Class, out.Detail)
	}
}

func TestExecute_Cancelled(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	out := newTestClient().Execute(ctx, testProvider(registry.KindFlat, registry.ServiceWeather, srv.URL), weatherCall())
	if out.Class != Cancelled {
		t.Fatalf("classification: got %s, want cancelled", out.Class)
	}
}

func TestExecute_UnbuildableRequestIsMisconfigured(t *testing.T) {
	tests := []struct {
		name string
		p    registry.Provider
		call Call
	}{
		{"rates kind asked for weather", testProvider(registry.KindFrankfurter, registry.ServiceRates, "http://127.0.0.1:1"), weatherCall()},
		{"flat kind asked for chat", testProvider(registry.KindFlat, registry.ServiceChat, "http://127.0.0.1:1"),
			Call{Service: registry.ServiceChat, Operation: registry.OpCompletion, Args: map[string]string{ArgPrompt: "hi"}}},
		{"unknown kind", testProvider("carrier-pigeon", registry.ServiceWeather, "http://127.0.0.1:1"), weatherCall()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := newTestClient().Execute(context.Background(), tt.p, tt.call)
			if out.Class != ProviderMisconfigured {
				t.Fatalf("classification: got %s, want provider_misconfigured", out.Class)
			}
			if !out.Class.Failover() || !out.Class.ProviderFault() || !out.Class.Disables() {
				t.Error("misconfiguration must fail over, count against the breaker and disable the provider")
			}
		})
	}
}

func TestClassification_PolicyTable(t *testing.T) {
	tests := []struct {
		class                     Classification
		failover, fault, disables bool
	}{
		{Success, false, false, false},
		{ProviderUnreachable, true, true, false},
		{ProviderTimeout, true, true, false},
		{ProviderRateLimited, true, false, false},
		{ProviderServerError, true, true, false},
		{ProviderAuthFailure, true, true, true},
		{ProviderMisconfigured, true, true, true},
		{CallerError, false, false, false},
		{MalformedResponse, true, true, false},
		{Cancelled, false, false, false},
	}
	for _, tt := range tests {
		if got := tt.class.Failover(); got != tt.failover {
			t.Errorf("%s.Failover() = %v", tt.class, got)
		}
		if got := tt.class.ProviderFault(); got != tt.fault {
			t.Errorf("%s.ProviderFault() = %v", tt.class, got)
		}
		if got := tt.class.Disables(); got != tt.disables {
			t.Errorf("%s.Disables() = %v", tt.class, got)
		}
	}
}

func TestExecute_DetailNeverContainsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"key secret-credential-123 is malformed"}`)
	}))
	defer srv.Close()

	out := newTestClient().Execute(context.Background(), testProvider(registry.KindWeatherAPI, registry.ServiceWeather, srv.URL), weatherCall())
	if strings.Contains(out.Detail, "secret-credential-123") {
		t.Fatalf("credential leaked into detail: %q", out.Detail)
	}
}

func TestExecute_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `"`)
		io.WriteString(w, strings.Repeat("a", MaxBodyBytes))
		io.WriteString(w, `"`)
	}))
	defer srv.Close()

	out := newTestClient().Execute(context.Background(), testProvider(registry.KindFlat, registry.ServiceWeather, srv.URL), weatherCall())
	if out.Class != MalformedResponse {
		t.Fatalf("classification: got %s, want malformed_response", out.Class)
	}
}

func TestExecute_RequestShapes(t *testing.T) {
	type seen struct {
		method string
		path   string
		query  map[string]string
		header http.Header
		body   map[string]any
	}

	tests := []struct {
		name    string
		kind    registry.Kind
		service registry.Service
		call    Call
		check   func(t *testing.T, s seen)
	}{
		{
			name: "openai", kind: registry.KindOpenAI, service: registry.ServiceChat,
			call: Call{Service: registry.ServiceChat, Operation: registry.OpCompletion, Args: map[string]string{ArgPrompt: "hi", ArgSystem: "be brief"}},
			check: func(t *testing.T, s seen) {
				if s.method != http.MethodPost || s.path != "/chat/completions" {
					t.Errorf("got %s %s", s.method, s.path)
				}
				if s.header.Get("Authorization") != "Bearer secret-credential-123" {
					t.Errorf("missing bearer auth")
				}
				if msgs, _ := s.body["messages"].([]any); len(msgs) != 2 {
					t.Errorf("expected system and user messages, got %v", s.body["messages"])
				}
			},
		},
		{
			name: "anthropic", kind: registry.KindAnthropic, service: registry.ServiceChat,
			call: Call{Service: registry.ServiceChat, Operation: registry.OpCompletion, Args: map[string]string{ArgPrompt: "hi"}},
			check: func(t *testing.T, s seen) {
				if s.path != "/v1/messages" {
					t.Errorf("path: %s", s.path)
				}
				if s.header.Get("x-api-key") != "secret-credential-123" || s.header.Get("anthropic-version") != anthropicVersion {
					t.Errorf("missing anthropic headers: %v", s.header)
				}
				if s.body["max_tokens"] != float64(1024) {
					t.Errorf("max_tokens: %v", s.body["max_tokens"])
				}
			},
		},
		{
			name: "gemini", kind: registry.KindGemini, service: registry.ServiceChat,
			call: Call{Service: registry.ServiceChat, Operation: registry.OpCompletion, Args: map[string]string{ArgPrompt: "hi", ArgModel: "gemini-pro"}},
			check: func(t *testing.T, s seen) {
				if s.path != "/models/gemini-pro:generateContent" {
					t.Errorf("path: %s", s.path)
				}
				if s.header.Get("x-goog-api-key") != "secret-credential-123" {
					t.Errorf("missing gemini key header")
				}
			},
		},
		{
			name: "weatherapi forecast", kind: registry.KindWeatherAPI, service: registry.ServiceWeather,
			call: Call{Service: registry.ServiceWeather, Operation: registry.OpForecast, Args: map[string]string{ArgLocation: "paris", ArgDays: "3"}},
			check: func(t *testing.T, s seen) {
				if s.path != "/forecast.json" || s.query["q"] != "paris" || s.query["days"] != "3" || s.query["key"] != "secret-credential-123" {
					t.Errorf("got %s %v", s.path, s.query)
				}
			},
		},
		{
			name: "openweathermap current", kind: registry.KindOpenWeatherMap, service: registry.ServiceWeather,
			call: weatherCall(),
			check: func(t *testing.T, s seen) {
				if s.path != "/weather" || s.query["units"] != "standard" || s.query["appid"] != "secret-credential-123" {
					t.Errorf("got %s %v", s.path, s.query)
				}
			},
		},
		{
			name: "exchangerate pair", kind: registry.KindExchangeRate, service: registry.ServiceRates,
			call: Call{Service: registry.ServiceRates, Operation: registry.OpPair, Args: map[string]string{ArgBase: "USD", ArgQuote: "EUR"}},
			check: func(t *testing.T, s seen) {
				if s.path != "/secret-credential-123/pair/USD/EUR" {
					t.Errorf("path: %s", s.path)
				}
			},
		},
		{
			name: "frankfurter latest", kind: registry.KindFrankfurter, service: registry.ServiceRates,
			call: Call{Service: registry.ServiceRates, Operation: registry.OpLatest, Args: map[string]string{ArgBase: "GBP"}},
			check: func(t *testing.T, s seen) {
				if s.path != "/latest" || s.query["from"] != "GBP" {
					t.Errorf("got %s %v", s.path, s.query)
				}
			},
		},
		{
			name: "flat extended service", kind: registry.KindFlat, service: "geocode",
			call: Call{Service: "geocode", Operation: "lookup", Args: map[string]string{"q": "oslo"}, Language: "nb"},
			check: func(t *testing.T, s seen) {
				if s.method != http.MethodGet || s.path != "/lookup" || s.query["q"] != "oslo" || s.query["lang"] != "nb" {
					t.Errorf("got %s %s %v", s.method, s.path, s.query)
				}
				if s.header.Get("Authorization") != "Bearer secret-credential-123" {
					t.Errorf("missing bearer auth")
				}
			},
		},
		{
			name: "flat rates pair", kind: registry.KindFlat, service: registry.ServiceRates,
			call: Call{Service: registry.ServiceRates, Operation: registry.OpPair, Args: map[string]string{ArgBase: "USD", ArgQuote: "JPY"}},
			check: func(t *testing.T, s seen) {
				if s.path != "/pair" || s.query["base"] != "USD" || s.query["quote"] != "JPY" {
					t.Errorf("got %s %v", s.path, s.query)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got seen
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got.method = r.Method
				got.path = r.URL.Path
				got.header = r.Header.Clone()
				got.query = map[string]string{}
				for k := range r.URL.Query() {
					got.query[k] = r.URL.Query().Get(k)
				}
				if r.Body != nil {
					json.NewDecoder(r.Body).Decode(&got.body)
				}
				io.WriteString(w, `{}`)
			}))
			defer srv.Close()

			out := newTestClient().Execute(context.Background(), testProvider(tt.kind, tt.service, srv.URL), tt.call)
			if out.Class != Success {
				t.Fatalf("classification: got %s (detail %q)", out.Class, out.Detail)
			}
			tt.check(t, got)
		})
	}
}
