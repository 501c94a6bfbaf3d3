package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordWorkflowStart(1)
	m.RecordWorkflowTransition(1, "approved", "Completed")
	m.RecordWorkflowConflict(1)
	m.RecordTaskListing(3, 1)
	m.RecordEntrySubmitted(true)
	m.RecordUpload("ok", 2048)
	m.RecordNotification("ok")
	m.RecordDefinitionSeeded()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"recordflow_http_requests_total",
		"recordflow_http_request_duration_seconds",
		"recordflow_http_request_size_bytes",
		"recordflow_http_response_size_bytes",
		"recordflow_workflow_starts_total",
		"recordflow_workflow_transitions_total",
		"recordflow_workflow_completions_total",
		"recordflow_workflow_conflicts_total",
		"recordflow_tasks_per_request",
		"recordflow_task_definitions_skipped_total",
		"recordflow_form_entries_submitted_total",
		"recordflow_uploads_total",
		"recordflow_upload_size_bytes",
		"recordflow_notifications_total",
		"recordflow_definitions_seeded_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestNilMetrics_recordingIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/x", 200, time.Millisecond, 0, 0)
	m.RecordWorkflowStart(1)
	m.RecordWorkflowTransition(1, "approved", "")
	m.RecordWorkflowConflict(1)
	m.RecordTaskListing(1, 0)
	m.RecordEntrySubmitted(false)
	m.RecordUpload("error", 0)
	m.RecordNotification("error")
	m.RecordDefinitionSeeded()
}

func TestRecordWorkflowTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowTransition(7, "approved", "")
	m.RecordWorkflowTransition(7, "approved", "Completed")
	m.RecordWorkflowTransition(7, "rejected", "Rejected")

	if got := testutil.ToFloat64(m.WorkflowTransitionsTotal.WithLabelValues("7", "approved")); got != 2 {
		t.Errorf("approved transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("7", "Completed")); got != 1 {
		t.Errorf("Completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WorkflowCompletionsTotal.WithLabelValues("7", "Rejected")); got != 1 {
		t.Errorf("Rejected = %v, want 1", got)
	}
}

func TestRecordUpload_onlyObservesSizeOnSuccess(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordUpload("rejected", 999)
	m.RecordUpload("ok", 1024)

	if got := testutil.ToFloat64(m.UploadsTotal.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected uploads = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.UploadSizeBytes); got != 1 {
		t.Errorf("upload size series = %d, want 1", got)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Route("/api", func(r chi.Router) {
		r.Get("/workflows/{workflowId}", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/12", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/workflows/{workflowId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Put("/transition/{instanceId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPut, "/transition/3", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("PUT", "/transition/{instanceId}", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordWorkflowStart(1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "recordflow_workflow_starts_total") {
		t.Error("metrics response should contain recordflow_workflow_starts_total")
	}
}
