package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/helsebro/infobridge/internal/metrics"
)

func render(t *testing.T, r *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestRegistry_PipelineCounters(t *testing.T) {
	var r metrics.Registry
	r.Initiated.Inc("digital")
	r.Initiated.Inc("digital")
	r.Initiated.Inc("paper")
	r.Sends.Inc("query")
	r.Replies.Inc(metrics.ReplyResolved)
	r.Failed.Inc("QUERY_SENT")
	r.Retried.Inc("INITIATED")
	r.Skipped.Inc("no activity")
	r.Completed.Inc()
	r.DeadLettered.Inc()

	body := render(t, &r)
	for _, want := range []string{
		`infobridge_cases_initiated_total{origin="digital"} 2`,
		`infobridge_cases_initiated_total{origin="paper"} 1`,
		`infobridge_sends_total{kind="query"} 1`,
		`infobridge_replies_total{outcome="resolved"} 1`,
		`infobridge_case_failures_total{step="QUERY_SENT"} 1`,
		`infobridge_case_retries_total{step="INITIATED"} 1`,
		`infobridge_records_skipped_total{reason="no activity"} 1`,
		`infobridge_cases_completed_total 1`,
		`infobridge_cases_dead_lettered_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q\n%s", want, body)
		}
	}
}

func TestRegistry_EmptyLabeledFamiliesOmitted(t *testing.T) {
	var r metrics.Registry
	body := render(t, &r)

	if strings.Contains(body, "infobridge_cases_initiated_total{") {
		t.Error("empty labeled family should be omitted")
	}
	// Unlabeled counters always render, even at zero.
	if !strings.Contains(body, "infobridge_cases_completed_total 0") {
		t.Errorf("zero-valued single counter missing:\n%s", body)
	}
}

func TestRegistry_HTTPCounters(t *testing.T) {
	var r metrics.Registry
	r.HTTPReqs.Inc(metrics.HTTPKey("GET", "/api/infotrygd/dlq", "200"))
	r.HTTPDurMs.Add(metrics.HTTPDurKey("GET", "/api/infotrygd/dlq"), 12)
	r.HTTPDurCnt.Inc(metrics.HTTPDurKey("GET", "/api/infotrygd/dlq"))

	body := render(t, &r)
	for _, want := range []string{
		`infobridge_http_requests_total{method="GET",path="/api/infotrygd/dlq",status="200"} 1`,
		`infobridge_http_request_duration_milliseconds_sum{method="GET",path="/api/infotrygd/dlq"} 12`,
		`infobridge_http_request_duration_milliseconds_count{method="GET",path="/api/infotrygd/dlq"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q\n%s", want, body)
		}
	}
}
