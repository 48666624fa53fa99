// Package integration provides a reusable test harness for end-to-end
// testing of the FlowPilot server. It starts the full HTTP router with mock
// query and synthesis workers, and optionally a Redis-backed result cache.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/internal/config"
	"github.com/pitabwire/flowpilot/internal/definition"
	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/internal/transport"
	"github.com/pitabwire/flowpilot/internal/worker"
	"github.com/pitabwire/flowpilot/internal/workflow"
	"github.com/pitabwire/flowpilot/model"
)

// TestHarness encapsulates a fully wired FlowPilot instance with mock
// workers for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Engine      *workflow.Engine
	QueryWorker *worker.HTTPQueryWorker
	Gatherer    prometheus.Gatherer
	Redis       *miniredis.Miniredis

	// Query and Synthesis are the mock worker backends.
	Query     *MockWorker
	Synthesis *MockWorker

	Config *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	roots          []config.RootConfig
	redisCache     bool
	noSynthesis    bool
	maxConcurrency int
	taskTimeout    time.Duration
	retry          config.RetryConfig
	breaker        config.CircuitBreakerConfig
}

// WithRoots replaces the default discovery roots. Relative paths are
// resolved from the testdata directory.
func WithRoots(roots ...config.RootConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.roots = roots
	}
}

// WithRedisCache puts a miniredis-backed result cache in front of the
// query worker.
func WithRedisCache() HarnessOption {
	return func(c *harnessConfig) {
		c.redisCache = true
	}
}

// WithoutSynthesis leaves the synthesis worker unconfigured.
func WithoutSynthesis() HarnessOption {
	return func(c *harnessConfig) {
		c.noSynthesis = true
	}
}

// WithMaxConcurrency sets the engine-wide task limit.
func WithMaxConcurrency(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxConcurrency = n
	}
}

// WithTaskTimeout sets the timeout applied to tasks that do not declare
// one.
func WithTaskTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.taskTimeout = d
	}
}

// WithWorkerRetry sets the retry policy of both worker clients.
func WithWorkerRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = r
	}
}

// WithCircuitBreaker sets the circuit breaker of both worker clients.
func WithCircuitBreaker(b config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = b
	}
}

// NewTestHarness creates and starts a full FlowPilot test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		maxConcurrency: 8,
		taskTimeout:    5 * time.Second,
		retry: config.RetryConfig{
			MaxAttempts:       1,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Millisecond,
		},
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 100,
			SuccessThreshold: 1,
			Timeout:          time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.roots) == 0 {
		hc.roots = []config.RootConfig{
			{Path: "workflows/core", Source: "core"},
			{Path: "workflows/contrib", Source: "contrib"},
		}
	}

	h := &TestHarness{t: t}

	// Step 1: Start mock workers.
	h.Query = newMockWorker(t, QueryEndpoint)
	h.Synthesis = newMockWorker(t, SynthesisEndpoint)

	// Step 2: Build config pointing at the mocks.
	cfg := config.Defaults()
	cfg.Discovery.Roots = make([]config.RootConfig, len(hc.roots))
	for i, r := range hc.roots {
		if !filepath.IsAbs(r.Path) {
			r.Path = filepath.Join(testdataDir(), r.Path)
		}
		cfg.Discovery.Roots[i] = r
	}
	cfg.Engine.MaxConcurrency = hc.maxConcurrency
	cfg.Engine.DefaultTaskTimeout = hc.taskTimeout
	cfg.Engine.SynthesisTimeout = 5 * time.Second
	endpoint := func(url string) config.EndpointConfig {
		return config.EndpointConfig{
			BaseURL:        url,
			Timeout:        10 * time.Second,
			Retry:          hc.retry,
			CircuitBreaker: hc.breaker,
		}
	}
	cfg.Worker.Query = endpoint(h.Query.URL())
	if !hc.noSynthesis {
		cfg.Worker.Synthesis = endpoint(h.Synthesis.URL())
	}
	h.Config = cfg

	// Step 3: Telemetry on a private registry.
	reg := prometheus.NewRegistry()
	h.Gatherer = reg
	metrics := observability.InitMetrics(reg)
	logger := zap.NewNop()

	// Step 4: Discover templates.
	discoverer := definition.NewDiscoverer(definition.NewLoader(),
		definition.NewValidator(definition.WithDefaultTimeout(cfg.Engine.DefaultTaskTimeout)),
		definition.WithLogger(logger),
		definition.WithRecorder(metrics),
	)
	catalog, _ := discoverer.Discover(definition.RootsFromConfig(cfg.Discovery.Roots))
	h.Registry = definition.NewRegistry(catalog)

	// Step 5: Worker clients, cache and engine.
	workerOpts := []worker.Option{worker.WithRecorder(metrics), worker.WithLogger(logger)}
	h.QueryWorker = worker.NewHTTPQueryWorker(cfg.Worker.Query, workerOpts...)
	var queries model.QueryWorker = h.QueryWorker
	readiness := observability.ReadinessChecks{
		CatalogSize: func() int { return h.Registry.Current().Len() },
		QueryWorker: h.QueryWorker,
	}
	if hc.redisCache {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		cache := worker.NewRedisResultCache(client)
		queries = worker.NewCachedQueryWorker(h.QueryWorker, cache, time.Minute, metrics, logger)
		readiness.ResultCache = cache
	}

	var synth model.SynthesisWorker
	if !hc.noSynthesis {
		synth = worker.NewHTTPSynthesisWorker(cfg.Worker.Synthesis, workerOpts...)
	}
	h.Engine = workflow.NewEngine(h.Registry, queries,
		workflow.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		workflow.WithLogger(logger),
		workflow.WithProgressSink(workflow.NewMetricsSink(metrics)),
		workflow.WithAggregator(workflow.NewAggregator(synth,
			workflow.WithSynthesisTimeout(cfg.Engine.SynthesisTimeout),
			workflow.WithSynthesisRecorder(metrics),
		)),
	)

	// Step 6: Router and server.
	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Registry:       h.Registry,
		Discoverer:     discoverer,
		Engine:         h.Engine,
		Metrics:        metrics,
		Readiness:      readiness,
		MetricsHandler: observability.HandlerFor(reg),
	})
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.Engine.CancelAll()
		h.server.Close()
	})

	return h
}

// BaseURL returns the base URL of the test server.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GET performs a GET request.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body. A nil body sends none.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, headers)
}

// DELETE performs a DELETE request.
func (h *TestHarness) DELETE(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 20 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// RunWorkflow starts a run synchronously and returns its report.
func (h *TestHarness) RunWorkflow(t *testing.T, workflowID string, input map[string]any) model.Report {
	t.Helper()
	var body any
	if input != nil {
		body = map[string]any{"input": input}
	}
	var report model.Report
	h.AssertJSON(t, h.POST("/workflows/"+workflowID+"/runs", body), http.StatusOK, &report)
	return report
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// phase returns the named phase of a report or fails the test.
func phase(t *testing.T, r model.Report, id string) model.PhaseResult {
	t.Helper()
	for _, p := range r.Bundle.Phases {
		if p.PhaseID == id {
			return p
		}
	}
	t.Fatalf("phase %q not in report", id)
	return model.PhaseResult{}
}

// outcome returns the named task of a phase or fails the test.
func outcome(t *testing.T, p model.PhaseResult, id string) model.TaskOutcome {
	t.Helper()
	for _, o := range p.Outcomes {
		if o.TaskID == id {
			return o
		}
	}
	t.Fatalf("task %q not in phase %q", id, p.PhaseID)
	return model.TaskOutcome{}
}

// Metrics returns the Prometheus exposition text served on /metrics.
func (h *TestHarness) Metrics() string {
	h.t.Helper()
	return string(h.ReadBody(h.GET("/metrics")))
}
