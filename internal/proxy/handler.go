// Package proxy exposes the gateway over HTTP so thin clients can share one
// process holding the provider credentials, caches and breaker state.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/switchyard/internal/executor"
	"github.com/allaspectsdev/switchyard/internal/fallback"
	"github.com/allaspectsdev/switchyard/internal/gateway"
	"github.com/allaspectsdev/switchyard/internal/registry"
	"github.com/allaspectsdev/switchyard/internal/store"
	"github.com/allaspectsdev/switchyard/internal/tracing"
)

// Response headers describing how a result was produced.
const (
	HeaderRequestID = "X-Switchyard-Request-Id"
	HeaderCache     = "X-Switchyard-Cache"
	HeaderProvider  = "X-Switchyard-Provider"
	HeaderDegraded  = "X-Switchyard-Degraded"
)

// StatusClientClosedRequest is written when the client went away before a
// result was available. nginx uses the same non-standard code.
const StatusClientClosedRequest = 499

// Error types in JSON error bodies.
const (
	errTypeInvalid   = "invalid_request"
	errTypeExhausted = "providers_exhausted"
	errTypeCancelled = "cancelled"
	errTypeTimeout   = "timeout"
	errTypeNotFound  = "not_found"
	errTypeAuth      = "authentication_error"
	errTypeInternal  = "internal_error"
)

// Handler serves the gateway routes and the admin routes.
type Handler struct {
	gw          *gateway.Gateway
	store       *store.Store
	logger      zerolog.Logger
	maxBodySize int64
}

// NewHandler creates a Handler. st may be nil, in which case the request log
// routes answer 404 and stats omit the persisted totals. A maxBodySize of 0
// means unlimited.
func NewHandler(gw *gateway.Gateway, st *store.Store, logger zerolog.Logger, maxBodySize int64) *Handler {
	return &Handler{
		gw:          gw,
		store:       st,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// chatRequest is the body of POST /v1/chat.
type chatRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Model  string `json:"model,omitempty"`
}

// genericRequest is the body of POST /v1/request.
type genericRequest struct {
	Service   string            `json:"service"`
	Operation string            `json:"operation"`
	Args      map[string]string `json:"args"`
	Prefer    string            `json:"prefer,omitempty"`
	Offline   bool              `json:"offline,omitempty"`
	TTL       string            `json:"ttl,omitempty"`
	Language  string            `json:"language,omitempty"`
}

// HandleChat answers POST /v1/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.options(w, r)
	if !ok {
		return
	}
	var body chatRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	h.serve(w, r, registry.ServiceChat, registry.OpCompletion, map[string]string{
		executor.ArgPrompt: body.Prompt,
		executor.ArgSystem: body.System,
		executor.ArgModel:  body.Model,
	}, opts)
}

// HandleWeatherCurrent answers GET /v1/weather/current?location=.
func (h *Handler) HandleWeatherCurrent(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.options(w, r)
	if !ok {
		return
	}
	h.serve(w, r, registry.ServiceWeather, registry.OpCurrent, map[string]string{
		executor.ArgLocation: r.URL.Query().Get("location"),
	}, opts)
}

// HandleWeatherForecast answers GET /v1/weather/forecast?location=&days=.
func (h *Handler) HandleWeatherForecast(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.options(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	h.serve(w, r, registry.ServiceWeather, registry.OpForecast, map[string]string{
		executor.ArgLocation: q.Get("location"),
		executor.ArgDays:     q.Get("days"),
	}, opts)
}

// HandleRatesPair answers GET /v1/rates/pair?base=&quote=.
func (h *Handler) HandleRatesPair(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.options(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	h.serve(w, r, registry.ServiceRates, registry.OpPair, map[string]string{
		executor.ArgBase:  q.Get("base"),
		executor.ArgQuote: q.Get("quote"),
	}, opts)
}

// HandleRatesLatest answers GET /v1/rates/latest?base=.
func (h *Handler) HandleRatesLatest(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.options(w, r)
	if !ok {
		return
	}
	h.serve(w, r, registry.ServiceRates, registry.OpLatest, map[string]string{
		executor.ArgBase: r.URL.Query().Get("base"),
	}, opts)
}

// HandleConvert answers GET /v1/convert?amount=&from=&to=.
func (h *Handler) HandleConvert(w http.ResponseWriter, r *http.Request) {
	opts, ok := h.options(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	amount, err := strconv.ParseFloat(strings.TrimSpace(q.Get("amount")), 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errTypeInvalid, "amount must be a number")
		return
	}

	tracing.AnnotateRequest(r.Context(), string(registry.ServiceRates), "convert")
	conv, err := h.gw.Convert(r.Context(), amount, q.Get("from"), q.Get("to"), opts)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	setResultHeaders(w, conv.RequestID, conv.Cache, conv.Provider, conv.Degraded)
	writeJSON(w, http.StatusOK, conv)
}

// HandleRequest answers POST /v1/request, which names the service and
// operation in the body and so also reaches services that are not built in.
func (h *Handler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var body genericRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	opts := gateway.Options{
		PreferredProvider: body.Prefer,
		ForceOffline:      body.Offline,
		Language:          body.Language,
	}
	if body.TTL != "" {
		d, err := parseTTL(body.TTL)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, errTypeInvalid, err.Error())
			return
		}
		opts.TTLOverride = gateway.TTL(d)
	}
	h.serve(w, r, registry.Service(body.Service), registry.Operation(body.Operation), body.Args, opts)
}

// HandleHealth is the liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady reports whether the store is reachable and at least one
// provider is enabled.
func (h *Handler) HandleReady(w http.ResponseWriter, _ *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(); err != nil {
			h.logger.Warn().Err(err).Msg("readiness: store unreachable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": "store"})
			return
		}
	}
	enabled := 0
	for _, p := range h.gw.Health("") {
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "reason": "no enabled providers"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "providers": enabled})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, service registry.Service, op registry.Operation, args map[string]string, opts gateway.Options) {
	tracing.AnnotateRequest(r.Context(), string(service), string(op))
	res, err := h.gw.Request(r.Context(), service, op, args, opts)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	setResultHeaders(w, res.RequestID, res.Cache, res.Provider, res.Degraded)
	writeJSON(w, http.StatusOK, res)
}

// options reads the per-request options shared by the gateway routes:
// prefer, offline, ttl and lang.
func (h *Handler) options(w http.ResponseWriter, r *http.Request) (gateway.Options, bool) {
	q := r.URL.Query()
	opts := gateway.Options{
		PreferredProvider: q.Get("prefer"),
		Language:          q.Get("lang"),
	}
	if s := q.Get("offline"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, errTypeInvalid, "offline must be a boolean")
			return opts, false
		}
		opts.ForceOffline = v
	}
	if s := q.Get("ttl"); s != "" {
		d, err := parseTTL(s)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, errTypeInvalid, err.Error())
			return opts, false
		}
		opts.TTLOverride = gateway.TTL(d)
	}
	return opts, true
}

// parseTTL accepts a Go duration ("90s", "1h") or a bare number of seconds.
func parseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, errors.New("ttl must not be negative")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}
	if d < 0 {
		return 0, errors.New("ttl must not be negative")
	}
	return d, nil
}

// decodeBody reads a JSON body bounded by maxBodySize into v.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	var reader io.Reader = r.Body
	if h.maxBodySize > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	}
	dec := json.NewDecoder(reader)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, errTypeInvalid,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeJSONError(w, http.StatusBadRequest, errTypeInvalid, "invalid JSON body")
		return false
	}
	return true
}

func setResultHeaders(w http.ResponseWriter, requestID, cacheSource, provider string, deg *fallback.Degradation) {
	w.Header().Set(HeaderRequestID, requestID)
	w.Header().Set(HeaderCache, cacheSource)
	if provider != "" {
		w.Header().Set(HeaderProvider, provider)
	}
	if deg != nil {
		w.Header().Set(HeaderDegraded, string(deg.Reason))
	}
}

// writeGatewayError maps the gateway error taxonomy onto status codes.
func (h *Handler) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	logger := h.logger.With().Str("path", r.URL.Path).Str("http_request_id", middleware.GetReqID(r.Context())).Logger()

	var callerErr *gateway.CallerError
	var exhausted *gateway.ExhaustedError
	switch {
	case errors.As(err, &callerErr):
		writeJSONError(w, http.StatusBadRequest, errTypeInvalid, callerErr.Error())
	case errors.As(err, &exhausted):
		logger.Warn().Err(err).Int("attempts", len(exhausted.Attempts)).Msg("providers exhausted")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{
				"message":  exhausted.Error(),
				"type":     errTypeExhausted,
				"attempts": exhausted.Attempts,
			},
		})
	case errors.Is(err, gateway.ErrCancelled), errors.Is(err, context.Canceled):
		logger.Debug().Msg("client cancelled request")
		writeJSONError(w, StatusClientClosedRequest, errTypeCancelled, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusGatewayTimeout, errTypeTimeout, "request timed out")
	default:
		logger.Error().Err(err).Msg("gateway request failed")
		writeJSONError(w, http.StatusInternalServerError, errTypeInternal, "internal server error")
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, errType, message string) {
	writeJSON(w, statusCode, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
