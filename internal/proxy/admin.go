package proxy

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/allaspectsdev/switchyard/internal/cache"
	"github.com/allaspectsdev/switchyard/internal/fallback"
	"github.com/allaspectsdev/switchyard/internal/gateway"
	"github.com/allaspectsdev/switchyard/internal/metrics"
	"github.com/allaspectsdev/switchyard/internal/registry"
	"github.com/allaspectsdev/switchyard/internal/store"
)

// healthResponse is the body of GET /v1/health.
type healthResponse struct {
	Online       bool                     `json:"online"`
	Connectivity *fallback.Status         `json:"connectivity,omitempty"`
	Providers    []gateway.ProviderHealth `json:"providers"`
}

// statsResponse is the body of GET /v1/stats.
type statsResponse struct {
	Gateway  *metrics.Stats      `json:"gateway"`
	Cache    cache.Usage         `json:"cache"`
	Requests *store.RequestStats `json:"requests,omitempty"`
	Since    *time.Time          `json:"since,omitempty"`
}

// requestView is one request log row as served by the admin routes.
type requestView struct {
	ID          string            `json:"id"`
	Timestamp   string            `json:"timestamp"`
	Service     string            `json:"service"`
	Operation   string            `json:"operation"`
	Fingerprint string            `json:"fingerprint"`
	Outcome     string            `json:"outcome"`
	Provider    string            `json:"provider,omitempty"`
	Degraded    string            `json:"degraded,omitempty"`
	Attempts    []gateway.Attempt `json:"attempts"`
	LatencyMs   int64             `json:"latency_ms"`
	Error       string            `json:"error,omitempty"`
}

// HandleProviderHealth answers GET /v1/health?service=&probe=. With
// probe=true a connectivity check runs before answering.
func (h *Handler) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resp := healthResponse{
		Providers: h.gw.Health(registry.Service(q.Get("service"))),
	}

	var (
		status fallback.Status
		ok     bool
	)
	if probe, _ := strconv.ParseBool(q.Get("probe")); probe {
		status, ok = h.gw.CheckConnectivity(r.Context())
	} else {
		status, ok = h.gw.Connectivity()
	}
	if ok {
		resp.Connectivity = &status
	}
	resp.Online = h.gw.Online()

	writeJSON(w, http.StatusOK, resp)
}

// HandleStats answers GET /v1/stats?since=. since accepts shorthand such as
// "7d" or "24h" and defaults to 24h; it only applies to the persisted totals.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Gateway: h.gw.Statistics(),
		Cache:   h.gw.CacheUsage(),
	}

	if h.store != nil {
		window := 24 * time.Hour
		if s := r.URL.Query().Get("since"); s != "" {
			d, err := parseDurationParam(s)
			if err != nil || d <= 0 {
				writeJSONError(w, http.StatusBadRequest, errTypeInvalid, "invalid since parameter, use e.g. 24h or 7d")
				return
			}
			window = d
		}
		since := time.Now().UTC().Add(-window)
		stats, err := h.store.GetRequestStats(since)
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to query request stats")
			writeJSONError(w, http.StatusInternalServerError, errTypeInternal, "failed to query request stats")
			return
		}
		resp.Requests = stats
		resp.Since = &since
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleListRequests answers GET /v1/requests?service=&outcome=&limit=&offset=.
func (h *Handler) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSONError(w, http.StatusNotFound, errTypeNotFound, "request log is not enabled")
		return
	}
	q := r.URL.Query()
	limit := queryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	rows, err := h.store.ListRequests(store.RequestFilter{
		Service: q.Get("service"),
		Outcome: q.Get("outcome"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list requests")
		writeJSONError(w, http.StatusInternalServerError, errTypeInternal, "failed to list requests")
		return
	}

	out := make([]requestView, 0, len(rows))
	for _, row := range rows {
		out = append(out, h.view(row))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requests": out,
		"limit":    limit,
		"offset":   offset,
	})
}

// HandleGetRequest answers GET /v1/requests/{id}.
func (h *Handler) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSONError(w, http.StatusNotFound, errTypeNotFound, "request log is not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	row, err := h.store.GetRequest(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSONError(w, http.StatusNotFound, errTypeNotFound, "request not found")
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("failed to get request")
		writeJSONError(w, http.StatusInternalServerError, errTypeInternal, "failed to get request")
		return
	}
	writeJSON(w, http.StatusOK, h.view(row))
}

// HandleInvalidate answers DELETE /v1/cache/{namespace}[/{fingerprint}].
func (h *Handler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	fp := chi.URLParam(r, "fingerprint")
	if err := h.gw.Invalidate(ns, fp); err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMetrics serves the Prometheus exposition.
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	// Health refreshes the circuit-state gauges.
	h.gw.Health("")
	metrics.PrometheusHandler(h.gw.Metrics())(w, r)
}

func (h *Handler) view(row *store.Request) requestView {
	attempts, err := store.DecodeAttempts(row)
	if err != nil {
		h.logger.Warn().Err(err).Msg("stored attempt list is unreadable")
	}
	if attempts == nil {
		attempts = []gateway.Attempt{}
	}
	return requestView{
		ID:          row.ID,
		Timestamp:   row.Timestamp,
		Service:     row.Service,
		Operation:   row.Operation,
		Fingerprint: row.Fingerprint,
		Outcome:     row.Outcome,
		Provider:    row.Provider,
		Degraded:    row.Degraded,
		Attempts:    attempts,
		LatencyMs:   row.LatencyMs,
		Error:       row.ErrorMessage,
	}
}

// queryInt reads an integer query parameter with a default fallback.
func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

// parseDurationParam converts a shorthand like "7d" or "24h" to a time.Duration.
func parseDurationParam(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
