package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounterGaugeAndHistogramSeries(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("relay_job_runs_total", map[string]string{"job": "relay_session_retention", "status": "ok"})
	r.ObserveHistogram("relay_job_duration_ms", 42, map[string]string{"job": "relay_session_retention"})
	r.SetGauge("relay_streams_active", 3, nil)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	if !strings.Contains(out, `relay_job_runs_total{job="relay_session_retention",status="ok"} 1`) {
		t.Fatalf("missing counter sample: %s", out)
	}
	if !strings.Contains(out, `relay_job_duration_ms_count{job="relay_session_retention"} 1`) {
		t.Fatalf("missing histogram count sample: %s", out)
	}
	if !strings.Contains(out, "relay_streams_active 3") {
		t.Fatalf("missing gauge sample: %s", out)
	}
}

func TestMismatchedLabelsAreIgnored(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("relay_commands_total", map[string]string{"command": "get_time"})
	r.IncCounter("not_registered_total", nil)

	mfs, err := r.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == "relay_commands_total" && len(mf.GetMetric()) != 0 {
			t.Fatalf("expected no relay_commands_total series, got %d", len(mf.GetMetric()))
		}
	}
}
