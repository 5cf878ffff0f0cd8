package metrics

import (
	"sort"
	"strings"
	"sync"
)

// counterVec is a labeled monotonic counter. Each distinct label combination
// gets its own int64 counter.
type counterVec struct {
	mu     sync.Mutex
	values map[string]*counterEntry
}

type counterEntry struct {
	labels map[string]string
	value  int64
}

func newCounterVec() *counterVec {
	return &counterVec{values: make(map[string]*counterEntry)}
}

// Inc increments the counter for the given label set by one.
func (cv *counterVec) Inc(labels map[string]string) {
	cv.Add(labels, 1)
}

// Add increments the counter for the given label set by delta.
func (cv *counterVec) Add(labels map[string]string, delta int64) {
	key := labelKey(labels)
	cv.mu.Lock()
	e, ok := cv.values[key]
	if !ok {
		e = &counterEntry{labels: copyLabels(labels)}
		cv.values[key] = e
	}
	e.value += delta
	cv.mu.Unlock()
}

// snapshot returns a stable copy of all entries, sorted by label key.
func (cv *counterVec) snapshot() []counterEntry {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	keys := make([]string, 0, len(cv.values))
	for k := range cv.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]counterEntry, 0, len(keys))
	for _, k := range keys {
		e := cv.values[k]
		out = append(out, counterEntry{labels: e.labels, value: e.value})
	}
	return out
}

// histogramVec is a labeled histogram with fixed bucket boundaries shared by
// all label combinations.
type histogramVec struct {
	mu      sync.Mutex
	buckets []float64
	values  map[string]*histogramEntry
}

type histogramEntry struct {
	labels  map[string]string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

func newHistogramVec(buckets []float64) *histogramVec {
	return &histogramVec{
		buckets: buckets,
		values:  make(map[string]*histogramEntry),
	}
}

// Observe records a single observation for the given label set.
func (hv *histogramVec) Observe(labels map[string]string, value float64) {
	key := labelKey(labels)
	hv.mu.Lock()
	e, ok := hv.values[key]
	if !ok {
		e = &histogramEntry{
			labels:  copyLabels(labels),
			buckets: hv.buckets,
			counts:  make([]int64, len(hv.buckets)),
		}
		hv.values[key] = e
	}
	for i, bound := range e.buckets {
		if value <= bound {
			e.counts[i]++
			break
		}
	}
	e.sum += value
	e.count++
	hv.mu.Unlock()
}

func (hv *histogramVec) snapshot() []histogramEntry {
	hv.mu.Lock()
	defer hv.mu.Unlock()
	keys := make([]string, 0, len(hv.values))
	for k := range hv.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]histogramEntry, 0, len(keys))
	for _, k := range keys {
		e := hv.values[k]
		counts := make([]int64, len(e.counts))
		copy(counts, e.counts)
		out = append(out, histogramEntry{
			labels:  e.labels,
			buckets: e.buckets,
			counts:  counts,
			sum:     e.sum,
			count:   e.count,
		})
	}
	return out
}

// labelKey builds a canonical map key from a label set so that the same
// labels always map to the same entry regardless of iteration order.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(';')
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return cp
}
