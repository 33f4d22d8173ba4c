// Package executor performs exactly one timeout-bounded HTTP exchange with a
// provider and classifies the result. It never retries; failover policy
// belongs to the dispatcher.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/clock"
	"github.com/allaspectsdev/switchyard/internal/registry"
	"github.com/allaspectsdev/switchyard/internal/security"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// MaxBodyBytes bounds how much of an upstream response body is read.
const MaxBodyBytes = 8 << 20

// Outcome is the classified result of one exchange.
type Outcome struct {
	Class  Classification
	Status int
	Body   []byte
	// RetryAfter is set for ProviderRateLimited when the upstream sent a
	// usable Retry-After header.
	RetryAfter time.Duration
	// Detail is a redacted, human-readable description for attempt logs.
	Detail  string
	Latency time.Duration
}

// Executor is the capability the dispatcher uses to reach a provider.
type Executor interface {
	Execute(ctx context.Context, p registry.Provider, call Call) Outcome
}

// Client is the HTTP Executor. It shares one pooled transport across all
// providers; the per-provider timeout is applied through the request
// context.
type Client struct {
	client *http.Client
	clk    clock.Clock
	logger zerolog.Logger
}

// NewClient creates a Client with a pooled transport.
func NewClient(clk clock.Clock, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		client: &http.Client{Transport: transport},
		clk:    clk,
		logger: logger,
	}
}

// NewClientWithHTTP creates a Client around an existing http.Client, for
// tests and custom transports.
func NewClientWithHTTP(hc *http.Client, clk clock.Clock, logger zerolog.Logger) *Client {
	return &Client{client: hc, clk: clk, logger: logger}
}

// Execute performs one exchange bounded by p.Timeout.
func (c *Client) Execute(ctx context.Context, p registry.Provider, call Call) Outcome {
	start := c.clk.Now()
	out := c.execute(ctx, p, call)
	out.Latency = c.clk.Now().Sub(start)
	out.Detail = security.Redact(out.Detail, p.Credential)

	c.logger.Debug().
		Str("provider", p.ID()).
		Str("operation", string(call.Operation)).
		Str("classification", out.Class.String()).
		Int("status", out.Status).
		Dur("latency", out.Latency).
		Msg("upstream exchange")
	return out
}

func (c *Client) execute(parent context.Context, p registry.Provider, call Call) Outcome {
	ctx, cancel := context.WithTimeout(parent, p.Timeout)
	defer cancel()

	// Candidates are filtered by capability before they get here, so a
	// request that cannot be built is a fault of the provider record.
	req, err := buildRequest(ctx, p, call)
	if err != nil {
		return Outcome{Class: ProviderMisconfigured, Detail: err.Error()}
	}
	req.Header.Set("User-Agent", "switchyard")
	if call.Language != "" {
		req.Header.Set("Accept-Language", call.Language)
	}

	redactedURL := security.RedactURL(req.URL.String(), p.Credential)
	ctx, span := tracing.StartUpstreamSpan(ctx, redactedURL, p.ID())
	defer span.End()
	tracing.InjectHeaders(ctx, req)

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		tracing.RecordError(ctx, err)
		class := classifyError(parent, err)
		tracing.SetOutcomeAttributes(ctx, class.String(), 0)
		return Outcome{Class: class, Detail: fmt.Sprintf("%s: %v", redactedURL, err)}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	out := Outcome{Status: resp.StatusCode, Class: classifyStatus(resp.StatusCode, resp.Header)}

	switch {
	case readErr != nil:
		out.Class = classifyError(parent, readErr)
		out.Detail = fmt.Sprintf("reading body: %v", readErr)
	case out.Class == Success:
		switch {
		case len(body) > MaxBodyBytes:
			out.Class = MalformedResponse
			out.Detail = fmt.Sprintf("body exceeds %d bytes", MaxBodyBytes)
		case !json.Valid(body):
			out.Class = MalformedResponse
			out.Detail = fmt.Sprintf("HTTP %d: body is not valid JSON", resp.StatusCode)
		default:
			out.Body = body
		}
	default:
		out.Detail = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(body))
		if out.Class == ProviderRateLimited {
			out.RetryAfter = retryAfter(resp.Header, c.clk.Now())
		}
	}

	tracing.SetOutcomeAttributes(ctx, out.Class.String(), out.Status)
	return out
}

// snippet returns a short single-line excerpt of an error body.
func snippet(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		s = s[:max] + "..."
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			r = ' '
		}
		out = append(out, r)
	}
	return string(out)
}
