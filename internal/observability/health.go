package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the body of GET /ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what GET /ready verifies.
type ReadinessChecks struct {
	// CatalogSize reports the number of loaded workflows. It is required:
	// an empty or missing catalog is never ready.
	CatalogSize func() int

	ResultCache HealthChecker
	QueryWorker HealthChecker
}

const checkTimeout = 2 * time.Second

var errEmptyCatalog = errors.New("no workflows loaded")

type namedCheck struct {
	name string
	run  func(ctx context.Context) (detail string, err error)
}

func (c ReadinessChecks) list() []namedCheck {
	checks := []namedCheck{{name: "catalog", run: func(context.Context) (string, error) {
		if c.CatalogSize == nil {
			return "", errEmptyCatalog
		}
		n := c.CatalogSize()
		if n == 0 {
			return "", errEmptyCatalog
		}
		return fmt.Sprintf("%d workflow(s)", n), nil
	}}}
	for name, hc := range map[string]HealthChecker{"result_cache": c.ResultCache, "query_worker": c.QueryWorker} {
		if hc == nil {
			continue
		}
		checks = append(checks, namedCheck{name: name, run: func(ctx context.Context) (string, error) {
			return "", hc.HealthCheck(ctx)
		}})
	}
	return checks
}

// HandleHealth serves GET /health. It never consults dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves GET /ready. Every configured check runs
// concurrently under checkTimeout; any failure makes the answer 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			mu      sync.Mutex
			results = make(map[string]CheckResult)
		)
		var g errgroup.Group
		for _, c := range checks.list() {
			g.Go(func() error {
				res := timedCheck(r.Context(), c.run)
				mu.Lock()
				results[c.name] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		resp, code := ReadinessResponse{Status: "ready", Checks: results}, http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, code, resp)
	}
}

func timedCheck(parent context.Context, run func(context.Context) (string, error)) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	detail, err := run(ctx)
	res := CheckResult{Status: "ok", Detail: detail, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
