package metrics

import (
	"sort"
	"strings"
	"sync"
)

// labelKey renders a label set deterministically so it can key a map.
func labelKey(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(labels[k])
		b.WriteByte(0)
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

type counterEntry struct {
	labels map[string]string
	value  int64
}

// counterVec is a set of monotonically increasing counters keyed by labels.
type counterVec struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
}

func newCounterVec() *counterVec {
	return &counterVec{entries: make(map[string]*counterEntry)}
}

func (cv *counterVec) Inc(labels map[string]string) {
	key := labelKey(labels)
	cv.mu.Lock()
	e, ok := cv.entries[key]
	if !ok {
		e = &counterEntry{labels: copyLabels(labels)}
		cv.entries[key] = e
	}
	e.value++
	cv.mu.Unlock()
}

func (cv *counterVec) snapshot() []counterEntry {
	cv.mu.Lock()
	out := make([]counterEntry, 0, len(cv.entries))
	for _, e := range cv.entries {
		out = append(out, counterEntry{labels: copyLabels(e.labels), value: e.value})
	}
	cv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return labelKey(out[i].labels) < labelKey(out[j].labels) })
	return out
}

type gaugeEntry struct {
	labels map[string]string
	value  float64
}

// gaugeVec is a set of settable values keyed by labels.
type gaugeVec struct {
	mu      sync.Mutex
	entries map[string]*gaugeEntry
}

func newGaugeVec() *gaugeVec {
	return &gaugeVec{entries: make(map[string]*gaugeEntry)}
}

func (gv *gaugeVec) Set(labels map[string]string, v float64) {
	key := labelKey(labels)
	gv.mu.Lock()
	e, ok := gv.entries[key]
	if !ok {
		e = &gaugeEntry{labels: copyLabels(labels)}
		gv.entries[key] = e
	}
	e.value = v
	gv.mu.Unlock()
}

func (gv *gaugeVec) snapshot() []gaugeEntry {
	gv.mu.Lock()
	out := make([]gaugeEntry, 0, len(gv.entries))
	for _, e := range gv.entries {
		out = append(out, gaugeEntry{labels: copyLabels(e.labels), value: e.value})
	}
	gv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return labelKey(out[i].labels) < labelKey(out[j].labels) })
	return out
}

// defaultBuckets are upper bounds in seconds for upstream call latency.
var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type histogram struct {
	labels  map[string]string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// histogramVec is a set of fixed-bucket histograms keyed by labels.
type histogramVec struct {
	mu      sync.Mutex
	buckets []float64
	entries map[string]*histogram
}

func newHistogramVec(buckets []float64) *histogramVec {
	return &histogramVec{buckets: buckets, entries: make(map[string]*histogram)}
}

func (hv *histogramVec) Observe(labels map[string]string, v float64) {
	key := labelKey(labels)
	hv.mu.Lock()
	defer hv.mu.Unlock()
	h, ok := hv.entries[key]
	if !ok {
		h = &histogram{labels: copyLabels(labels), buckets: hv.buckets, counts: make([]int64, len(hv.buckets))}
		hv.entries[key] = h
	}
	for i, bound := range h.buckets {
		if v <= bound {
			h.counts[i]++
			break
		}
	}
	h.sum += v
	h.count++
}

func (hv *histogramVec) snapshot() []histogram {
	hv.mu.Lock()
	out := make([]histogram, 0, len(hv.entries))
	for _, h := range hv.entries {
		out = append(out, histogram{
			labels:  copyLabels(h.labels),
			buckets: h.buckets,
			counts:  append([]int64(nil), h.counts...),
			sum:     h.sum,
			count:   h.count,
		})
	}
	hv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return labelKey(out[i].labels) < labelKey(out[j].labels) })
	return out
}
