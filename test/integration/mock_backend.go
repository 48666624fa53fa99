package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Worker endpoints served by MockWorker.
const (
	QueryEndpoint     = "/query"
	SynthesisEndpoint = "/synthesize"
)

// MockWorker is a configurable HTTP test server that simulates a query or
// synthesis worker. Responses can be queued or keyed by query text, and all
// received requests are recorded for later assertion.
type MockWorker struct {
	t        *testing.T
	endpoint string
	server   *httptest.Server

	mu       sync.RWMutex
	queue    []*mockResponse
	current  int
	byQuery  map[string]*mockResponse
	received []*RecordedRequest
	healthy  bool
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

func newMockWorker(t *testing.T, endpoint string) *MockWorker {
	t.Helper()

	mw := &MockWorker{
		t:        t,
		endpoint: endpoint,
		byQuery:  make(map[string]*mockResponse),
		healthy:  true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+endpoint, mw.handle)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		mw.mu.RLock()
		ok := mw.healthy
		mw.mu.RUnlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mw.server = httptest.NewServer(mux)
	t.Cleanup(mw.server.Close)
	return mw
}

// URL returns the base URL of the mock worker.
func (mw *MockWorker) URL() string {
	return mw.server.URL
}

// RespondWith queues a response. Queued responses are used in order and the
// last one repeats.
func (mw *MockWorker) RespondWith(status int, body any) *MockWorker {
	return mw.enqueue(&mockResponse{status: status, body: body})
}

// RespondWithError queues a worker error body.
func (mw *MockWorker) RespondWithError(status int, code, message string) *MockWorker {
	return mw.RespondWith(status, ErrorFixture(code, message))
}

// RespondWithDelay queues a delayed response to simulate a slow worker.
func (mw *MockWorker) RespondWithDelay(delay time.Duration, status int, body any) *MockWorker {
	return mw.enqueue(&mockResponse{status: status, body: body, delay: delay})
}

// RespondWithConnectionError queues a response that closes the connection.
func (mw *MockWorker) RespondWithConnectionError() *MockWorker {
	return mw.enqueue(&mockResponse{connError: true})
}

// OnQuery sets the response for every query containing substr. Keyed
// responses take precedence over the queue.
func (mw *MockWorker) OnQuery(substr string, status int, body any) *MockWorker {
	mw.mu.Lock()
	mw.byQuery[substr] = &mockResponse{status: status, body: body}
	mw.mu.Unlock()
	return mw
}

// OnQueryDelay is OnQuery with a delay before answering.
func (mw *MockWorker) OnQueryDelay(substr string, delay time.Duration, status int, body any) *MockWorker {
	mw.mu.Lock()
	mw.byQuery[substr] = &mockResponse{status: status, body: body, delay: delay}
	mw.mu.Unlock()
	return mw
}

// SetHealthy controls the /health answer.
func (mw *MockWorker) SetHealthy(ok bool) {
	mw.mu.Lock()
	mw.healthy = ok
	mw.mu.Unlock()
}

func (mw *MockWorker) enqueue(resp *mockResponse) *MockWorker {
	mw.mu.Lock()
	mw.queue = append(mw.queue, resp)
	mw.mu.Unlock()
	return mw
}

func (mw *MockWorker) handle(w http.ResponseWriter, r *http.Request) {
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	raw, _ := io.ReadAll(r.Body)
	if len(raw) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			rec.Body = parsed
		}
	}

	mw.mu.Lock()
	mw.received = append(mw.received, rec)
	mw.mu.Unlock()

	resp := mw.next(rec.Body)
	if resp == nil {
		resp = mw.defaultResponse(rec.Body)
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			if conn != nil {
				conn.Close()
			}
		}
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		_ = json.NewEncoder(w).Encode(resp.body)
	}
}

func (mw *MockWorker) next(body map[string]any) *mockResponse {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if q, ok := body["query"].(string); ok {
		for substr, resp := range mw.byQuery {
			if strings.Contains(q, substr) {
				return resp
			}
		}
	}
	if len(mw.queue) == 0 {
		return nil
	}
	idx := mw.current
	if idx >= len(mw.queue) {
		idx = len(mw.queue) - 1
	} else {
		mw.current++
	}
	return mw.queue[idx]
}

// defaultResponse echoes the query back as a one-row result, or produces a
// narrative naming the workflow for synthesis requests.
func (mw *MockWorker) defaultResponse(body map[string]any) *mockResponse {
	if mw.endpoint == SynthesisEndpoint {
		wf, _ := body["workflow_id"].(string)
		return &mockResponse{status: http.StatusOK, body: map[string]any{"report": "narrative for " + wf}}
	}
	q, _ := body["query"].(string)
	return &mockResponse{status: http.StatusOK, body: QueryResultFixture(q, map[string]any{"query": q})}
}

// Requests returns every recorded request.
func (mw *MockWorker) Requests() []*RecordedRequest {
	mw.mu.RLock()
	defer mw.mu.RUnlock()
	return append([]*RecordedRequest(nil), mw.received...)
}

// Queries returns the query text of every recorded request.
func (mw *MockWorker) Queries() []string {
	var out []string
	for _, r := range mw.Requests() {
		if q, ok := r.Body["query"].(string); ok {
			out = append(out, q)
		}
	}
	return out
}

// AssertCalled verifies that the worker was called the expected number of times.
func (mw *MockWorker) AssertCalled(t *testing.T, expected int) {
	t.Helper()
	if n := len(mw.Requests()); n != expected {
		t.Errorf("%s called %d times, want %d", mw.endpoint, n, expected)
	}
}

// --- Fixtures ---

// QueryResultFixture returns a query worker response body.
func QueryResultFixture(summary string, rows ...map[string]any) map[string]any {
	return map[string]any{
		"rows":    rows,
		"summary": summary,
		"count":   len(rows),
	}
}

// ErrorFixture returns a worker error body.
func ErrorFixture(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
