package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/flowpilot/internal/config"
	"github.com/pitabwire/flowpilot/internal/worker"
	"github.com/pitabwire/flowpilot/model"
)

// ==========================================================================
// Retries
// ==========================================================================

func TestResilience_RetriesTransientWorkerFailure(t *testing.T) {
	h := NewTestHarness(t,
		WithMaxConcurrency(1),
		WithWorkerRetry(config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Millisecond,
		}),
	)
	h.Query.RespondWithError(http.StatusServiceUnavailable, "busy", "search head busy")
	h.Query.RespondWith(http.StatusOK, QueryResultFixture("ok", map[string]any{"n": 1}))

	report := h.RunWorkflow(t, "core.failed_logins", nil)

	if report.Status != model.RunSucceeded {
		t.Fatalf("status = %q, want succeeded after retry", report.Status)
	}
	h.Query.AssertCalled(t, 4)
	if !strings.Contains(h.Metrics(), `flowpilot_worker_retries_total{worker="query"} 1`) {
		t.Error("retry not counted")
	}
}

func TestResilience_RetriesConnectionError(t *testing.T) {
	h := NewTestHarness(t,
		WithMaxConcurrency(1),
		WithWorkerRetry(config.RetryConfig{
			MaxAttempts:       2,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Millisecond,
		}),
	)
	h.Query.RespondWithConnectionError()
	h.Query.RespondWith(http.StatusOK, QueryResultFixture("ok"))

	report := h.RunWorkflow(t, "core.failed_logins", nil)

	if report.Status != model.RunSucceeded {
		t.Errorf("status = %q, want succeeded", report.Status)
	}
}

func TestResilience_NonRetryableErrorIsNotRetried(t *testing.T) {
	h := NewTestHarness(t,
		WithWorkerRetry(config.RetryConfig{MaxAttempts: 3, BackoffInitial: time.Millisecond}),
	)
	h.Query.OnQuery("by src", http.StatusBadRequest, ErrorFixture("syntax", "bad by clause"))

	report := h.RunWorkflow(t, "core.failed_logins", nil)

	if report.Status != model.RunPartiallySucceeded {
		t.Errorf("status = %q, want partially_succeeded", report.Status)
	}
	calls := 0
	for _, q := range h.Query.Queries() {
		if strings.Contains(q, "by src") {
			calls++
		}
	}
	if calls != 1 {
		t.Errorf("rejected query sent %d times, want 1", calls)
	}
}

// ==========================================================================
// Circuit breaker
// ==========================================================================

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t,
		WithMaxConcurrency(1),
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
	)
	h.Query.RespondWith(http.StatusInternalServerError, ErrorFixture("internal", "indexer down"))

	report := h.RunWorkflow(t, "core.failed_logins", nil)

	if report.Status != model.RunFailed {
		t.Errorf("status = %q, want failed", report.Status)
	}
	// The third query is rejected locally once the breaker is open.
	h.Query.AssertCalled(t, 2)
	if h.QueryWorker.BreakerState() != worker.BreakerOpen {
		t.Errorf("breaker = %s, want open", h.QueryWorker.BreakerState())
	}

	unavailable := 0
	for _, o := range phase(t, report, "main").Outcomes {
		if o.Failure == nil || o.Failure.Kind != model.FailureQueryError {
			t.Fatalf("task %s = %+v, want query error", o.TaskID, o)
		}
		if strings.Contains(o.Failure.Message, "unavailable") {
			unavailable++
		}
	}
	if unavailable != 1 {
		t.Errorf("%d tasks rejected by the breaker, want 1", unavailable)
	}

	if !strings.Contains(h.Metrics(), `flowpilot_worker_circuit_breaker_state{worker="query"} 1`) {
		t.Error("breaker state gauge not updated")
	}

	resp := h.GET("/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready = %d, want 503 while the breaker is open", resp.StatusCode)
	}
	resp.Body.Close()
}

// ==========================================================================
// Timeouts
// ==========================================================================

func TestResilience_SlowQueryTimesOut(t *testing.T) {
	h := NewTestHarness(t, WithTaskTimeout(200*time.Millisecond))
	h.Query.OnQueryDelay("by src", 3*time.Second, http.StatusOK, QueryResultFixture("late"))

	start := time.Now()
	report := h.RunWorkflow(t, "core.failed_logins", nil)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %s, timeout not enforced", elapsed)
	}

	if report.Status != model.RunPartiallySucceeded {
		t.Errorf("status = %q, want partially_succeeded", report.Status)
	}
	o := outcome(t, phase(t, report, "main"), "by_source")
	if o.Failure == nil || o.Failure.Kind != model.FailureTimeout {
		t.Fatalf("by_source = %+v, want timeout", o)
	}
	if o.Failure.Message != "task exceeded timeout of 200ms" {
		t.Errorf("message = %q", o.Failure.Message)
	}
}

// ==========================================================================
// Result cache
// ==========================================================================

func TestResilience_RedisCacheServesRepeatedQueries(t *testing.T) {
	h := NewTestHarness(t, WithRedisCache())
	h.Query.OnQuery("lockout", http.StatusBadRequest, ErrorFixture("no_index", "index auth_lock missing"))

	first := h.RunWorkflow(t, "core.failed_logins", nil)
	second := h.RunWorkflow(t, "core.failed_logins", nil)

	for _, r := range []model.Report{first, second} {
		if r.Status != model.RunSucceeded {
			t.Errorf("status = %q, want succeeded (lockouts is optional)", r.Status)
		}
	}

	// Two successful queries cached once each; the failing one is never cached.
	h.Query.AssertCalled(t, 4)
	keys := h.Redis.Keys()
	if len(keys) != 2 {
		t.Errorf("redis keys = %v, want 2", keys)
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, worker.RedisKeyPrefix) {
			t.Errorf("key %q lacks prefix %q", k, worker.RedisKeyPrefix)
		}
	}

	metrics := h.Metrics()
	if !strings.Contains(metrics, "flowpilot_query_cache_hits_total 2") {
		t.Error("cache hits not counted")
	}
	if !strings.Contains(metrics, "flowpilot_query_cache_misses_total 4") {
		t.Error("cache misses not counted")
	}

	resp := h.GET("/ready")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready = %d, want 200: %s", resp.StatusCode, h.ReadBody(resp))
		return
	}
	resp.Body.Close()
}

func TestResilience_UnhealthyQueryWorkerFailsReadiness(t *testing.T) {
	h := NewTestHarness(t)
	h.Query.SetHealthy(false)

	var body struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	h.AssertJSON(t, h.GET("/ready"), http.StatusServiceUnavailable, &body)
	if body.Checks["query_worker"].Status != "error" {
		t.Errorf("checks = %+v, want query_worker error", body.Checks)
	}
	if body.Checks["catalog"].Status != "ok" {
		t.Errorf("catalog check = %q, want ok", body.Checks["catalog"].Status)
	}
}
