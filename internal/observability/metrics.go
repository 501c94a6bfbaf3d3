package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
	uploadSizeBuckets   = []float64{1024, 102400, 1048576, 10485760, 104857600}
	taskCountBuckets    = []float64{0, 1, 2, 5, 10, 25, 50, 100}
)

// Metrics holds all Prometheus metric instruments for the service. All
// recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowConflictsTotal   *prometheus.CounterVec
	TasksPerRequest          prometheus.Histogram
	TaskDefinitionsSkipped   prometheus.Counter

	// Forms and uploads
	FormEntriesSubmittedTotal *prometheus.CounterVec
	UploadsTotal              *prometheus.CounterVec
	UploadSizeBytes           prometheus.Histogram

	// System
	NotificationsTotal *prometheus.CounterVec
	DefinitionsSeeded  prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recordflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recordflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recordflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_workflow_starts_total",
			Help: "Total number of workflow instances created.",
		}, []string{"workflow_id"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_workflow_transitions_total",
			Help: "Total number of applied workflow transitions.",
		}, []string{"workflow_id", "action"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_workflow_completions_total",
			Help: "Total number of instances that reached a terminal state.",
		}, []string{"workflow_id", "final_state"}),
		WorkflowConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_workflow_conflicts_total",
			Help: "Total number of instance writes rejected by the version check.",
		}, []string{"workflow_id"}),
		TasksPerRequest: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recordflow_tasks_per_request",
			Help:    "Number of tasks returned per task listing.",
			Buckets: taskCountBuckets,
		}),
		TaskDefinitionsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordflow_task_definitions_skipped_total",
			Help: "Definitions skipped during task listing because of store failures.",
		}),

		FormEntriesSubmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_form_entries_submitted_total",
			Help: "Total number of submitted form entries.",
		}, []string{"bound"}),
		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_uploads_total",
			Help: "Total number of upload attempts.",
		}, []string{"status"}),
		UploadSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recordflow_upload_size_bytes",
			Help:    "Size of stored uploads in bytes.",
			Buckets: uploadSizeBuckets,
		}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recordflow_notifications_total",
			Help: "Total number of step notifications.",
		}, []string{"status"}),
		DefinitionsSeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordflow_definitions_seeded_total",
			Help: "Workflow definitions created from seed files.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowConflictsTotal,
		m.TasksPerRequest,
		m.TaskDefinitionsSkipped,
		m.FormEntriesSubmittedTotal,
		m.UploadsTotal,
		m.UploadSizeBytes,
		m.NotificationsTotal,
		m.DefinitionsSeeded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records the creation of an instance.
func (m *Metrics) RecordWorkflowStart(workflowID int64) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(idLabel(workflowID)).Inc()
}

// RecordWorkflowTransition records an applied transition and, when the
// resulting state is terminal, the completion.
func (m *Metrics) RecordWorkflowTransition(workflowID int64, action, finalState string) {
	if m == nil {
		return
	}
	id := idLabel(workflowID)
	m.WorkflowTransitionsTotal.WithLabelValues(id, action).Inc()
	if finalState != "" {
		m.WorkflowCompletionsTotal.WithLabelValues(id, finalState).Inc()
	}
}

// RecordWorkflowConflict records a lost optimistic-lock race.
func (m *Metrics) RecordWorkflowConflict(workflowID int64) {
	if m == nil {
		return
	}
	m.WorkflowConflictsTotal.WithLabelValues(idLabel(workflowID)).Inc()
}

// RecordTaskListing records the size of a task listing and the number of
// definitions that had to be skipped.
func (m *Metrics) RecordTaskListing(tasks, skipped int) {
	if m == nil {
		return
	}
	m.TasksPerRequest.Observe(float64(tasks))
	m.TaskDefinitionsSkipped.Add(float64(skipped))
}

// RecordEntrySubmitted records a stored form entry.
func (m *Metrics) RecordEntrySubmitted(bound bool) {
	if m == nil {
		return
	}
	m.FormEntriesSubmittedTotal.WithLabelValues(strconv.FormatBool(bound)).Inc()
}

// RecordUpload records an upload attempt. size is ignored unless status is
// "ok".
func (m *Metrics) RecordUpload(status string, size int64) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		m.UploadSizeBytes.Observe(float64(size))
	}
}

// RecordNotification records the outcome of a step notification.
func (m *Metrics) RecordNotification(status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(status).Inc()
}

// RecordDefinitionSeeded records a definition created from a seed file.
func (m *Metrics) RecordDefinitionSeeded() {
	if m == nil {
		return
	}
	m.DefinitionsSeeded.Inc()
}

func idLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
