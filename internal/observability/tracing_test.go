package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/flowpilot/internal/config"
)

// setupTestTracer installs an always-sampling provider backed by an
// in-memory exporter.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{Enabled: false}, "flowpilot", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1.0}
	shutdown, err := InitTracing(context.Background(), cfg, "flowpilot", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "zipkin"}
	if _, err := InitTracing(context.Background(), cfg, "flowpilot", "test"); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStartSpan_runHierarchy(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, run := StartSpan(context.Background(), "workflow.run",
		AttrWorkflowID.String("core.health_check"),
		AttrExecutionID.String("exec-1"),
	)
	ctx, phase := StartSpan(ctx, "workflow.phase", AttrPhaseID.String("volume"))
	_, task := StartSpan(ctx, "workflow.task", AttrTaskID.String("event_count"))
	task.End()
	phase.End()
	run.End()

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	// Spans are exported in end order: task, phase, run.
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("task span should be a child of the phase span")
	}
	if spans[1].Parent.SpanID() != spans[2].SpanContext.SpanID() {
		t.Error("phase span should be a child of the run span")
	}

	attrs := spanAttrMap(spans[2])
	if attrs["flowpilot.workflow_id"] != "core.health_check" {
		t.Errorf("flowpilot.workflow_id = %q", attrs["flowpilot.workflow_id"])
	}
	if attrs["flowpilot.execution_id"] != "exec-1" {
		t.Errorf("flowpilot.execution_id = %q", attrs["flowpilot.execution_id"])
	}
}

func TestEndSpanWithError_setsErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "workflow.task")
	EndSpanWithError(span, errors.New("query failed"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "query failed" {
		t.Errorf("status description = %q", spans[0].Status.Description)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
}

func TestEndSpanWithError_nilError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "ok.op")
	EndSpanWithError(span, nil)

	if exporter.GetSpans()[0].Status.Code == codes.Error {
		t.Error("status should not be Error when err is nil")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	if TraceIDFromContext(context.Background()) != "" {
		t.Error("TraceIDFromContext without span should be empty")
	}

	setupTestTracer(t)
	ctx, span := StartSpan(context.Background(), "ids")
	defer span.End()

	if TraceIDFromContext(ctx) != span.SpanContext().TraceID().String() {
		t.Error("TraceIDFromContext should match the active span")
	}
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/runs/{executionId}", func(w http.ResponseWriter, r *http.Request) {
		if !trace.SpanFromContext(r.Context()).SpanContext().IsValid() {
			t.Error("handler context should carry the server span")
		}
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/runs/abc", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "GET /runs/{executionId}" {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want Server", s.SpanKind)
	}
	attrs := spanAttrMap(s)
	if attrs["http.route"] != "/runs/{executionId}" {
		t.Errorf("http.route = %q", attrs["http.route"])
	}
	if attrs["http.response.status_code"] != "200" {
		t.Errorf("http.response.status_code = %q", attrs["http.response.status_code"])
	}
}

func TestTracingMiddleware_500_setsErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/discovery", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "POST /discovery" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", spans[0].Status.Code)
	}
}

func TestTracingMiddleware_extractsTraceparent(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	traceID := "0af7651916cd43dd8448eb211c80319c"
	parentSpanID := "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodGet, "/workflows", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentSpanID+"-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].SpanContext.TraceID().String() != traceID {
		t.Errorf("trace ID = %q, want %q", spans[0].SpanContext.TraceID(), traceID)
	}
	if spans[0].Parent.SpanID().String() != parentSpanID {
		t.Errorf("parent span ID = %q, want %q", spans[0].Parent.SpanID(), parentSpanID)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response should carry a Traceparent header")
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "worker.query")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if headers.Get("Traceparent") == "" {
		t.Error("InjectTraceHeaders should set Traceparent header")
	}
}

func TestNewSampler(t *testing.T) {
	for _, rate := range []float64{0, 0.5, 1.0, 2.0} {
		if s := newSampler(config.TracingConfig{SamplingRate: rate}); s == nil || s.Description() == "" {
			t.Errorf("newSampler(%v) returned an unusable sampler", rate)
		}
	}
}

// spanAttrMap converts a span's attributes to a map for easier assertion.
func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
