package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestPrometheusRecorder(t *testing.T) {
	reg := NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.IncJobsEnqueued()
	pr.IncJobsEnqueued()
	pr.IncJobOutcome("completed")
	pr.ObserveStageDuration("installing", 150*time.Millisecond)
	pr.ObserveBuildDuration(5 * time.Second)
	pr.IncStageResult("type-checking", ResultWarning)
	pr.SetActiveWorkers(3)
	pr.SetPushConnections(2)

	body := scrape(t, HTTPHandler(reg))
	for _, want := range []string{
		"previewd_jobs_enqueued_total 2",
		`previewd_job_outcomes_total{outcome="completed"} 1`,
		`previewd_stage_results_total{result="warning",stage="type-checking"} 1`,
		"previewd_active_workers 3",
		"previewd_push_connections 2",
		"previewd_build_duration_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopRecorder); !ok {
		t.Fatalf("expected NoopRecorder for nil")
	}
	pr := NewPrometheusRecorder(nil)
	if OrNoop(pr) != Recorder(pr) {
		t.Fatalf("expected recorder passthrough")
	}
}
