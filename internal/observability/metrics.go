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
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	workerDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
	runDurationBuckets    = []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Runs
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	ActiveRuns     prometheus.Gauge
	PhasesTotal    *prometheus.CounterVec
	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	SynthesisTotal *prometheus.CounterVec
	CancelledRuns  *prometheus.CounterVec

	// Discovery
	DiscoveryTotal  *prometheus.CounterVec
	WorkflowsLoaded prometheus.Gauge

	// Workers
	WorkerRequestsTotal       *prometheus.CounterVec
	WorkerRequestDuration     *prometheus.HistogramVec
	WorkerRetriesTotal        *prometheus.CounterVec
	WorkerCircuitBreakerState *prometheus.GaugeVec

	// Query result cache
	QueryCacheHitsTotal   prometheus.Counter
	QueryCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpilot_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpilot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpilot_runs_total",
			Help: "Total number of finished workflow runs.",
		}, []string{"workflow_id", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpilot_run_duration_seconds",
			Help:    "Workflow run duration in seconds.",
			Buckets: runDurationBuckets,
		}, []string{"workflow_id"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowpilot_active_runs",
			Help: "Number of workflow runs in flight.",
		}),
		PhasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpilot_phases_total",
			Help: "Total number of settled phases.",
		}, []string{"status"}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpilot_tasks_total",
			Help: "Total number of settled tasks.",
		}, []string{"workflow_id", "status", "failure_kind"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpilot_task_duration_seconds",
			Help:    "Task execution duration in seconds.",
			Buckets: workerDurationBuckets,
		}, []string{"workflow_id"}),
		SynthesisTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpilot_synthesis_total",
			Help: "Total number of synthesis attempts.",
		}, []string{"status"}),
		CancelledRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpilot_runs_cancelled_total",
			Help: "Total number of runs cancelled by a caller.",
		}, []string{"workflow_id"}),

		DiscoveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpilot_discovery_total",
			Help: "Template files seen during discovery, by outcome.",
		}, []string{"outcome"}),
		WorkflowsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowpilot_workflows_loaded",
			Help: "Number of workflows in the active catalog.",
		}),

		WorkerRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpilot_worker_requests_total",
			Help: "Total number of requests sent to external workers.",
		}, []string{"worker", "status"}),
		WorkerRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowpilot_worker_request_duration_seconds",
			Help:    "Worker request duration in seconds.",
			Buckets: workerDurationBuckets,
		}, []string{"worker"}),
		WorkerRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowpilot_worker_retries_total",
			Help: "Total number of worker request retries.",
		}, []string{"worker"}),
		WorkerCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowpilot_worker_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"worker"}),

		QueryCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowpilot_query_cache_hits_total",
			Help: "Total query result cache hits.",
		}),
		QueryCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowpilot_query_cache_misses_total",
			Help: "Total query result cache misses.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RunsTotal,
		m.RunDuration,
		m.ActiveRuns,
		m.PhasesTotal,
		m.TasksTotal,
		m.TaskDuration,
		m.SynthesisTotal,
		m.CancelledRuns,
		m.DiscoveryTotal,
		m.WorkflowsLoaded,
		m.WorkerRequestsTotal,
		m.WorkerRequestDuration,
		m.WorkerRetriesTotal,
		m.WorkerCircuitBreakerState,
		m.QueryCacheHitsTotal,
		m.QueryCacheMissesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordRunStart marks a run as in flight.
func (m *Metrics) RecordRunStart(string) {
	m.ActiveRuns.Inc()
}

// RecordRunEnd records a finished run.
func (m *Metrics) RecordRunEnd(workflowID, status string, duration time.Duration) {
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(workflowID, status).Inc()
	m.RunDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordRunCancelled records a caller-initiated cancellation.
func (m *Metrics) RecordRunCancelled(workflowID string) {
	m.CancelledRuns.WithLabelValues(workflowID).Inc()
}

// RecordPhase records a settled phase.
func (m *Metrics) RecordPhase(status string) {
	m.PhasesTotal.WithLabelValues(status).Inc()
}

// RecordTask records a settled task. Skipped tasks have no duration.
func (m *Metrics) RecordTask(workflowID, status, failureKind string, duration time.Duration) {
	m.TasksTotal.WithLabelValues(workflowID, status, failureKind).Inc()
	if duration > 0 {
		m.TaskDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
	}
}

// RecordSynthesis records whether synthesis produced a narrative.
func (m *Metrics) RecordSynthesis(status string) {
	m.SynthesisTotal.WithLabelValues(status).Inc()
}

// RecordDiscovery counts one discovered file by outcome.
func (m *Metrics) RecordDiscovery(outcome string) {
	m.DiscoveryTotal.WithLabelValues(outcome).Inc()
}

// SetWorkflowsLoaded sets the size of the active catalog.
func (m *Metrics) SetWorkflowsLoaded(n int) {
	m.WorkflowsLoaded.Set(float64(n))
}

// RecordWorkerRequest records a request to an external worker. Status is the
// HTTP status code, or 0 when no response was received.
func (m *Metrics) RecordWorkerRequest(worker string, status int, duration time.Duration) {
	m.WorkerRequestsTotal.WithLabelValues(worker, strconv.Itoa(status)).Inc()
	m.WorkerRequestDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// RecordWorkerRetry records a worker request retry.
func (m *Metrics) RecordWorkerRetry(worker string) {
	m.WorkerRetriesTotal.WithLabelValues(worker).Inc()
}

// SetWorkerCircuitBreakerState sets the breaker gauge for a worker.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetWorkerCircuitBreakerState(worker string, state float64) {
	m.WorkerCircuitBreakerState.WithLabelValues(worker).Set(state)
}

// RecordQueryCacheHit records a query result cache hit.
func (m *Metrics) RecordQueryCacheHit() {
	m.QueryCacheHitsTotal.Inc()
}

// RecordQueryCacheMiss records a query result cache miss.
func (m *Metrics) RecordQueryCacheMiss() {
	m.QueryCacheMissesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware records request metrics labelled with chi's route
// pattern rather than the raw path, keeping label cardinality bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context,
// falling back to the raw URL path.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusWriter captures the status code and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush supports streaming handlers.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
