package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// PrometheusHandler returns an http.HandlerFunc that writes metrics in
// Prometheus text exposition format (version 0.0.4). It does not require the
// Prometheus client library; metrics are formatted manually.
func PrometheusHandler(collector *Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		// Uptime in seconds.
		uptimeSeconds := time.Since(collector.startTime).Seconds()

		writeMetric(w, "gateman_requests_total",
			"Total number of completed requests.",
			"counter", stats.TotalRequests)

		writeMetric(w, "gateman_tokens_in_total",
			"Total number of input tokens sent to providers.",
			"counter", stats.TokensIn)

		writeMetric(w, "gateman_tokens_out_total",
			"Total number of output tokens received from providers.",
			"counter", stats.TokensOut)

		writeMetric(w, "gateman_tokens_reasoning_total",
			"Total number of reasoning tokens reported by providers.",
			"counter", stats.TokensReasoning)

		writeMetric(w, "gateman_retries_total",
			"Total number of transparent retries against alternate providers.",
			"counter", stats.Retries)

		writeMetric(w, "gateman_cancelled_total",
			"Total number of requests abandoned by the caller mid-flight.",
			"counter", stats.Cancelled)

		writeMetric(w, "gateman_active_requests",
			"Number of requests currently in flight.",
			"gauge", stats.ActiveRequests)

		writeMetricFloat(w, "gateman_uptime_seconds",
			"Number of seconds since the service started.",
			"gauge", uptimeSeconds)

		// --- Labeled metrics ---

		// Error counters.
		writeCounterVec(w, "gateman_errors_total",
			"Total number of errors by kind, provider, and status code.",
			collector.Errors())

		// Latency histograms.
		writeHistogramVec(w, "gateman_request_duration_seconds",
			"End-to-end request duration in seconds by provider, surface, and streaming.",
			collector.Latency())

		// Provider request counters.
		writeCounterVec(w, "gateman_provider_requests_total",
			"Total requests per provider and outcome.",
			collector.ProviderRequests())

		// --- Scrape-time sources ---

		if views := collector.circuits(); len(views) > 0 {
			fmt.Fprintf(w, "# HELP gateman_provider_circuit_state Circuit breaker state per provider (0=closed, 1=open, 2=half-open).\n")
			fmt.Fprintf(w, "# TYPE gateman_provider_circuit_state gauge\n")
			for _, v := range views {
				fmt.Fprintf(w, "gateman_provider_circuit_state{provider=%q} %d\n",
					v.Provider, circuitStateValue(v.State))
			}
		}

		if opened, halfOpened, reclosed, ok := collector.transitions(); ok {
			fmt.Fprintf(w, "# HELP gateman_circuit_transitions_total Cumulative circuit breaker transitions by kind.\n")
			fmt.Fprintf(w, "# TYPE gateman_circuit_transitions_total counter\n")
			fmt.Fprintf(w, "gateman_circuit_transitions_total{transition=\"opened\"} %d\n", opened)
			fmt.Fprintf(w, "gateman_circuit_transitions_total{transition=\"half_opened\"} %d\n", halfOpened)
			fmt.Fprintf(w, "gateman_circuit_transitions_total{transition=\"reclosed\"} %d\n", reclosed)
		}

		if rec, ok := collector.recorder(); ok {
			writeMetric(w, "gateman_recorder_queue_depth",
				"Number of events waiting in the recorder queue.",
				"gauge", int64(rec.QueueDepth))
			writeMetric(w, "gateman_recorder_queue_capacity",
				"Capacity of the recorder queue.",
				"gauge", int64(rec.QueueCapacity))
			writeMetric(w, "gateman_recorder_dropped_total",
				"Total number of events dropped due to recorder queue overflow.",
				"counter", int64(rec.Dropped))
			writeMetric(w, "gateman_recorder_sink_failures_total",
				"Total number of sink write failures absorbed by the recorder.",
				"counter", int64(rec.SinkFailures))
		}

		if n, ok := collector.trackedSessions(); ok {
			writeMetric(w, "gateman_tracked_sessions",
				"Number of sessions currently held by the stats aggregator.",
				"gauge", int64(n))
		}
	}
}

// circuitStateValue maps a circuit state name to its exposition value.
func circuitStateValue(state string) int {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// writeMetric writes a single integer metric in Prometheus text format.
func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes a single float64 metric in Prometheus text format.
func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// formatLabels formats a label map as Prometheus label string, e.g. {kind="foo",provider="bar"}.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
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
	b.WriteByte('}')
	return b.String()
}

// writeCounterVec writes a labeled counter vec in Prometheus text format.
func writeCounterVec(w http.ResponseWriter, name, help string, cv *counterVec) {
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

// writeHistogramVec writes a labeled histogram vec in Prometheus text format.
func writeHistogramVec(w http.ResponseWriter, name, help string, hv *histogramVec) {
	histograms := hv.snapshot()
	if len(histograms) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for _, h := range histograms {
		labels := formatLabels(h.labels)
		// Cumulative bucket counts.
		var cumulative int64
		for i, bound := range h.buckets {
			cumulative += h.counts[i]
			le := fmt.Sprintf("%g", bound)
			if len(h.labels) == 0 {
				fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, le, cumulative)
			} else {
				// Insert le into existing labels.
				lbl := formatLabelsWithLe(h.labels, le)
				fmt.Fprintf(w, "%s_bucket%s %d\n", name, lbl, cumulative)
			}
		}
		// +Inf bucket.
		if len(h.labels) == 0 {
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
		} else {
			lbl := formatLabelsWithLe(h.labels, "+Inf")
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, lbl, h.count)
		}
		fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
	}
}

// formatLabelsWithLe formats labels with an additional "le" label for histogram buckets.
func formatLabelsWithLe(labels map[string]string, le string) string {
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
	fmt.Fprintf(&b, ",le=%q", le)
	b.WriteByte('}')
	return b.String()
}
