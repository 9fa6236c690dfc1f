// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for the station. It avoids the prometheus/client_golang package so
// the firmware image stays small.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Enqueued / Sent / SendFailed / Acked  →  key = "version\taction"
//	Dropped                               →  key = "version\treason"
//	Evicted / Flushes / FlushErrors       →  key = "version"
//	PendingRecords / OfflineBytes         →  key = "version" (gauges)
//	HTTPReqs                              →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                →  key = "method\tpath"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all series
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values. Set turns it into a gauge.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Set overwrites the value for key.
func (lc *labelCounter) Set(key string, n int64) { lc.get(key).Store(n) }

// Get returns the value for key, 0 when never touched.
func (lc *labelCounter) Get(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all station metrics. The zero value is ready to use.
type Registry struct {
	// Delivery counters.  key = "version\taction"
	Enqueued   labelCounter
	Sent       labelCounter
	SendFailed labelCounter
	Acked      labelCounter

	// key = "version\treason"
	Dropped labelCounter

	// key = "version"
	Evicted     labelCounter
	Flushes     labelCounter
	FlushErrors labelCounter

	// Gauges.  key = "version"
	PendingRecords labelCounter
	OfflineBytes   labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// family describes one rendered metric family.
type family struct {
	name, help, typ string
	series          *labelCounter
	labels          []string
}

func (r *Registry) families() []family {
	va := []string{"version", "action"}
	vr := []string{"version", "reason"}
	v := []string{"version"}
	mp := []string{"method", "path"}
	return []family{
		{"ocpp_records_enqueued_total", "Total records enqueued for delivery", "counter", &r.Enqueued, va},
		{"ocpp_calls_sent_total", "Total CALL frames handed to the transport", "counter", &r.Sent, va},
		{"ocpp_calls_send_failed_total", "Total CALL frames the transport refused", "counter", &r.SendFailed, va},
		{"ocpp_calls_acked_total", "Total records removed by a correlated acknowledgement", "counter", &r.Acked, va},
		{"ocpp_records_dropped_total", "Total records dropped without acknowledgement", "counter", &r.Dropped, vr},
		{"ocpp_records_evicted_total", "Total offline records evicted under the byte ceiling", "counter", &r.Evicted, v},
		{"ocpp_flushes_total", "Total pending-state flushes committed to storage", "counter", &r.Flushes, v},
		{"ocpp_flush_errors_total", "Total pending-state flushes that failed", "counter", &r.FlushErrors, v},
		{"ocpp_pending_records", "Records currently pending delivery", "gauge", &r.PendingRecords, v},
		{"ocpp_offline_queue_bytes", "Compressed footprint of the offline queue", "gauge", &r.OfflineBytes, v},
		{"ocpp_http_requests_total", "Total HTTP requests by method, path, and status code", "counter", &r.HTTPReqs, []string{"method", "path", "status"}},
		{"ocpp_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds", "counter", &r.HTTPDurMs, mp},
		{"ocpp_http_request_duration_milliseconds_count", "Count of observed HTTP request durations", "counter", &r.HTTPDurCnt, mp},
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, f := range r.families() {
			writeFamily(&b, f.name, f.help, f.typ, func(fn func(labels, val string)) {
				f.series.Each(func(key string, val int64) {
					fn(formatLabels(f.labels, key), fmt.Sprintf("%d", val))
				})
			})
		}
		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// formatLabels pairs names with the tab-separated parts of key. Missing parts
// render as empty strings.
func formatLabels(names []string, key string) string {
	parts := strings.SplitN(key, "\t", len(names))
	pairs := make([]string, len(names))
	for i, n := range names {
		v := ""
		if i < len(parts) {
			v = parts[i]
		}
		pairs[i] = fmt.Sprintf("%s=%q", n, v)
	}
	return strings.Join(pairs, ",")
}

// ─── Delivery recorders ───────────────────────────────────────────────────────
//
// The recorders accept a nil *Registry so components can run without metrics.

// RecordEnqueued counts one enqueued record.
func (r *Registry) RecordEnqueued(version, action string) {
	if r != nil {
		r.Enqueued.Inc(ActionKey(version, action))
	}
}

// RecordSent counts one CALL handed to the transport.
func (r *Registry) RecordSent(version, action string) {
	if r != nil {
		r.Sent.Inc(ActionKey(version, action))
	}
}

// RecordSendFailed counts one CALL the transport refused.
func (r *Registry) RecordSendFailed(version, action string) {
	if r != nil {
		r.SendFailed.Inc(ActionKey(version, action))
	}
}

// RecordAcked counts one acknowledged record.
func (r *Registry) RecordAcked(version, action string) {
	if r != nil {
		r.Acked.Inc(ActionKey(version, action))
	}
}

// RecordDropped counts one dropped record.
func (r *Registry) RecordDropped(version, reason string) {
	if r != nil {
		r.Dropped.Inc(ReasonKey(version, reason))
	}
}

// RecordEvicted counts n evicted records.
func (r *Registry) RecordEvicted(version string, n int) {
	if r != nil {
		r.Evicted.Add(version, int64(n))
	}
}

// RecordFlush counts one flush attempt, failed when err is non-nil.
func (r *Registry) RecordFlush(version string, err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.FlushErrors.Inc(version)
		return
	}
	r.Flushes.Inc(version)
}

// SetQueueGauges publishes the pending record count and offline footprint.
func (r *Registry) SetQueueGauges(version string, pending, offlineBytes int) {
	if r != nil {
		r.PendingRecords.Set(version, int64(pending))
		r.OfflineBytes.Set(version, int64(offlineBytes))
	}
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// ActionKey builds the label key used by Enqueued/Sent/SendFailed/Acked.
func ActionKey(version, action string) string {
	return version + "\t" + action
}

// ReasonKey builds the label key used by Dropped.
func ReasonKey(version, reason string) string {
	return version + "\t" + reason
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
