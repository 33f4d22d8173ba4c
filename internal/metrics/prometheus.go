package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). Metrics are formatted
// by hand; no client library is needed for this handful of series.
func PrometheusHandler(collector *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		WritePrometheus(w, collector)
	}
}

// WritePrometheus writes every series of collector to w.
func WritePrometheus(w io.Writer, collector *Collector) {
	stats := collector.Stats()

	writeMetric(w, "switchyard_requests_total",
		"Total number of gateway requests.",
		"counter", stats.TotalRequests)

	writeMetric(w, "switchyard_cache_hits_total",
		"Total number of fresh cache hits.",
		"counter", stats.CacheHits)

	writeMetric(w, "switchyard_cache_misses_total",
		"Total number of cache misses, including expired entries.",
		"counter", stats.CacheMisses)

	writeMetricFloat(w, "switchyard_cache_hit_rate",
		"Cache hit rate percentage.",
		"gauge", stats.CacheHitRate)

	writeMetric(w, "switchyard_active_requests",
		"Number of requests currently being dispatched.",
		"gauge", stats.ActiveRequests)

	writeMetricFloat(w, "switchyard_uptime_seconds",
		"Number of seconds since the gateway started.",
		"gauge", collector.Uptime().Seconds())

	writeCounterVec(w, "switchyard_request_outcomes_total",
		"Finished requests by service and outcome.",
		collector.outcomes)

	writeCounterVec(w, "switchyard_provider_attempts_total",
		"Upstream calls by provider and classification.",
		collector.attempts)

	writeCounterVec(w, "switchyard_provider_skips_total",
		"Candidates skipped without a call, by provider and reason.",
		collector.skips)

	writeHistogramVec(w, "switchyard_upstream_duration_seconds",
		"Upstream call duration in seconds by provider.",
		collector.latency)

	writeGaugeVec(w, "switchyard_provider_circuit_state",
		"Circuit breaker state per provider (0=closed, 1=open, 2=half-open).",
		collector.circuit)
}

func writeMetric(w io.Writer, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

func writeMetricFloat(w io.Writer, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// formatLabels formats a label map as a Prometheus label string, e.g.
// {provider="weather/a",reason="rate_limited"}. extra pairs are appended
// after the sorted labels.
func formatLabels(labels map[string]string, extra ...string) string {
	if len(labels) == 0 && len(extra) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	for i := 0; i+1 < len(extra); i += 2 {
		if b.Len() > 1 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", extra[i], extra[i+1])
	}
	b.WriteByte('}')
	return b.String()
}

func writeCounterVec(w io.Writer, name, help string, cv *counterVec) {
	entries := cv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(e.labels), e.value)
	}
}

func writeHistogramVec(w io.Writer, name, help string, hv *histogramVec) {
	histograms := hv.snapshot()
	if len(histograms) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for _, h := range histograms {
		var cumulative int64
		for i, bound := range h.buckets {
			cumulative += h.counts[i]
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabels(h.labels, "le", fmt.Sprintf("%g", bound)), cumulative)
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabels(h.labels, "le", "+Inf"), h.count)
		fmt.Fprintf(w, "%s_sum%s %g\n", name, formatLabels(h.labels), h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", name, formatLabels(h.labels), h.count)
	}
}

func writeGaugeVec(w io.Writer, name, help string, gv *gaugeVec) {
	entries := gv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %g\n", name, formatLabels(e.labels), e.value)
	}
}
