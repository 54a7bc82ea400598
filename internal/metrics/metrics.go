// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for infobridge. It deliberately avoids the prometheus/client_golang
// package so the binary stays small with no additional dependencies.
//
// # Counter naming convention
//
// Label-keyed counters use a tab-separated string as their key so that a
// single sync.Map can hold all label combinations without map nesting.
//
//	Initiated                   →  key = origin
//	Sends                       →  key = kind ("query" | "update")
//	Replies                     →  key = outcome ("resolved" | "empty" | "stray" | "dropped")
//	Failed / Retried            →  key = step
//	Skipped                     →  key = reason
//	HTTPReqs                    →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt      →  key = "method\tpath"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── counters ─────────────────────────────────────────────────────────────────

// counter is a single lock-free counter.
type counter struct {
	v atomic.Int64
}

// Inc increments the counter by 1.
func (c *counter) Inc() { c.v.Add(1) }

// Load returns the current value.
func (c *counter) Load() int64 { return c.v.Load() }

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
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

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all infobridge application metrics.
type Registry struct {
	// Pipeline counters.
	Initiated    labelCounter // key = origin
	Sends        labelCounter // key = "query" | "update"
	Replies      labelCounter // key = reply outcome
	Failed       labelCounter // key = step at failure
	Retried      labelCounter // key = step retried from
	Skipped      labelCounter // key = consumer skip reason
	Completed    counter
	DeadLettered counter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// Reply outcome keys.
const (
	ReplyResolved = "resolved"
	ReplyEmpty    = "empty"
	ReplyStray    = "stray"
	ReplyDropped  = "dropped"
)

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── pipeline counters ─────────────────────────────────────────────────
		writeLabeled(&b, "infobridge_cases_initiated_total",
			"Total cases entering orchestration", "origin", &r.Initiated)
		writeLabeled(&b, "infobridge_sends_total",
			"Total payloads sent toward the legacy registry", "kind", &r.Sends)
		writeLabeled(&b, "infobridge_replies_total",
			"Total replies on the shared reply topic by outcome", "outcome", &r.Replies)
		writeLabeled(&b, "infobridge_case_failures_total",
			"Total case failures by the step that failed", "step", &r.Failed)
		writeLabeled(&b, "infobridge_case_retries_total",
			"Total retry attempts by the step retried from", "step", &r.Retried)
		writeLabeled(&b, "infobridge_records_skipped_total",
			"Total inbound records dropped by skip rules", "reason", &r.Skipped)

		writeSingle(&b, "infobridge_cases_completed_total",
			"Total cases that reached COMPLETED", r.Completed.Load())
		writeSingle(&b, "infobridge_cases_dead_lettered_total",
			"Total cases moved to the dead letter store", r.DeadLettered.Load())

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "infobridge_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "infobridge_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "infobridge_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeLabeled writes a family whose counter has a single label.
func writeLabeled(b *strings.Builder, name, help, label string, lc *labelCounter) {
	writeFamily(b, name, help, "counter", func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`%s=%q`, label, key), fmt.Sprintf("%d", val))
		})
	})
}

// writeSingle writes an unlabeled counter family. Zero values are still
// rendered so dashboards see the series from startup.
func writeSingle(b *strings.Builder, name, help string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, val)
}

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

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
