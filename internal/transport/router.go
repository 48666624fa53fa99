package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/internal/config"
	"github.com/pitabwire/flowpilot/internal/definition"
	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config     *config.Config
	Logger     *zap.Logger
	Registry   *definition.Registry
	Discoverer *definition.Discoverer
	Engine     *workflow.Engine
	Metrics    *observability.Metrics
	Readiness  observability.ReadinessChecks

	// MetricsHandler serves /metrics. Defaults to the global Prometheus
	// registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness and metrics are served without request
// logging.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	metrics := deps.MetricsHandler
	if metrics == nil {
		metrics = observability.Handler()
	}
	path := "/metrics"
	if deps.Config != nil && deps.Config.Observability.Metrics.Path != "" {
		path = deps.Config.Observability.Metrics.Path
	}
	r.Method(http.MethodGet, path, metrics)

	h := &handlers{
		registry:   deps.Registry,
		discoverer: deps.Discoverer,
		engine:     deps.Engine,
		logger:     logger,
	}
	if deps.Config != nil {
		h.roots = definition.RootsFromConfig(deps.Config.Discovery.Roots)
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(RequestLogging(logger))

		r.Get("/workflows", h.listWorkflows)
		r.Get("/workflows/{workflowId}", h.getWorkflow)
		r.Post("/workflows/{workflowId}/runs", h.startRun)
		r.Post("/discovery", h.discover)
		r.Post("/validate", h.validate)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{executionId}", h.getRun)
		r.Delete("/runs/{executionId}", h.cancelRun)
	})

	return r
}

type handlers struct {
	registry   *definition.Registry
	discoverer *definition.Discoverer
	engine     *workflow.Engine
	roots      []definition.Root
	logger     *zap.Logger
}
