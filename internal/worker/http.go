// Package worker provides the JSON-over-HTTP clients for the external query
// and synthesis workers, and a caching decorator for query results.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/internal/config"
	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/model"
)

// Worker names used in errors, logs and metrics.
const (
	QueryWorkerName     = "query"
	SynthesisWorkerName = "synthesis"
)

const maxResponseBytes = 10 << 20

// Recorder receives worker call metrics. *observability.Metrics satisfies it.
type Recorder interface {
	RecordWorkerRequest(worker string, status int, duration time.Duration)
	RecordWorkerRetry(worker string)
	SetWorkerCircuitBreakerState(worker string, state float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordWorkerRequest(string, int, time.Duration) {}
func (nopRecorder) RecordWorkerRetry(string)                       {}
func (nopRecorder) SetWorkerCircuitBreakerState(string, float64)   {}

// Option configures an HTTP worker client.
type Option func(*client)

// WithRecorder sets where call metrics go.
func WithRecorder(r Recorder) Option {
	return func(c *client) {
		if r != nil {
			c.rec = r
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// client is the transport shared by both workers: one breaker, one retry
// policy and one connection pool per endpoint.
type client struct {
	name    string
	baseURL string
	http    *http.Client
	retry   config.RetryConfig
	breaker *Breaker
	rec     Recorder
	logger  *zap.Logger
}

func newClient(name string, cfg config.EndpointConfig, opts ...Option) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	c := &client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:   cfg.Retry,
		breaker: NewBreaker(cfg.CircuitBreaker),
		rec:     nopRecorder{},
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker.OnStateChange(func(s BreakerState) {
		c.rec.SetWorkerCircuitBreakerState(c.name, float64(s))
	})
	return c
}

// errorBody is the error shape both workers answer with.
type errorBody struct {
	Error *model.WorkerError `json:"error,omitempty"`
}

// retryableError marks a failure worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// post sends body as JSON to path and decodes a 2xx answer into out, with
// retries and breaker protection.
func (c *client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s worker: marshal request: %w", c.name, err)
	}

	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.rec.RecordWorkerRetry(c.name)
			c.logger.Debug("retrying worker call",
				zap.String("worker", c.name),
				zap.Int("attempt", attempt+1),
				zap.Int("max", attempts),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return c.contextError(ctx)
			case <-time.After(calculateBackoff(c.retry, attempt)):
			}
		}

		err := c.once(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}
		lastErr = re.err
	}
	return lastErr
}

func (c *client) once(ctx context.Context, path string, payload []byte, out any) error {
	if err := c.breaker.Allow(); err != nil {
		return model.NewWorkerUnavailableError(c.name)
	}

	ctx, span := observability.StartSpan(ctx, "worker."+c.name,
		observability.AttrWorker.String(c.name),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.breaker.Abandon()
		spanErr = err
		return fmt.Errorf("%s worker: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.rec.RecordWorkerRequest(c.name, 0, time.Since(start))
		spanErr = err
		if ctx.Err() != nil {
			c.breaker.Abandon()
			return c.contextError(ctx)
		}
		c.breaker.RecordFailure()
		if isConnectionError(err) {
			return &retryableError{err: fmt.Errorf("%w: %w", model.NewWorkerUnavailableError(c.name), err)}
		}
		return &retryableError{err: fmt.Errorf("%s worker: request failed: %w", c.name, err)}
	}
	defer resp.Body.Close()
	c.rec.RecordWorkerRequest(c.name, resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.RecordFailure()
		spanErr = err
		return &retryableError{err: fmt.Errorf("%s worker: read response: %w", c.name, err)}
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode >= 300 {
		werr := decodeWorkerError(raw)
		if werr == nil {
			werr = &model.WorkerError{
				Code:    fmt.Sprintf("http_%d", resp.StatusCode),
				Message: http.StatusText(resp.StatusCode),
			}
		}
		spanErr = werr
		if isRetryableStatus(resp.StatusCode) {
			if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway {
				return &retryableError{err: fmt.Errorf("%w: %w", model.NewWorkerUnavailableError(c.name), werr)}
			}
			return &retryableError{err: werr}
		}
		return werr
	}

	if werr := decodeWorkerError(raw); werr != nil {
		spanErr = werr
		return werr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			spanErr = err
			return &model.WorkerError{Code: "invalid_response", Message: err.Error()}
		}
	}
	return nil
}

// contextError maps a finished context to the worker error, keeping the
// context error in the chain.
func (c *client) contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.NewWorkerTimeoutError(c.name), ctx.Err())
	}
	return ctx.Err()
}

func (c *client) healthCheck(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("%s worker: no base URL configured", c.name)
	}
	if c.breaker.State() == BreakerOpen {
		return fmt.Errorf("%s worker: %w", c.name, ErrBreakerOpen)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s worker: %w", c.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s worker: health returned %d", c.name, resp.StatusCode)
	}
	return nil
}

func decodeWorkerError(raw []byte) *model.WorkerError {
	if len(raw) == 0 {
		return nil
	}
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == nil {
		return nil
	}
	if eb.Error.Message == "" && eb.Error.Code == "" {
		return nil
	}
	return eb.Error
}

// --- query worker ---

// HTTPQueryWorker runs queries through POST {base}/query.
type HTTPQueryWorker struct {
	c *client
}

// NewHTTPQueryWorker creates a query worker client for cfg.
func NewHTTPQueryWorker(cfg config.EndpointConfig, opts ...Option) *HTTPQueryWorker {
	return &HTTPQueryWorker{c: newClient(QueryWorkerName, cfg, opts...)}
}

type queryRequestBody struct {
	Query       string `json:"query"`
	Earliest    string `json:"earliest"`
	Latest      string `json:"latest"`
	TimeoutMs   int64  `json:"timeout_ms"`
	Instruction string `json:"instruction,omitempty"`
}

type queryResponseBody struct {
	Rows    []map[string]any `json:"rows"`
	Summary string           `json:"summary"`
	Count   *int             `json:"count"`
}

// Execute runs one query. A query the worker rejects comes back as a
// *model.WorkerError.
func (w *HTTPQueryWorker) Execute(ctx context.Context, req model.QueryRequest) (model.QueryResult, error) {
	body := queryRequestBody{
		Query:       req.Query,
		Earliest:    req.Window.Earliest,
		Latest:      req.Window.Latest,
		TimeoutMs:   req.Timeout.Milliseconds(),
		Instruction: req.Instruction,
	}
	var out queryResponseBody
	if err := w.c.post(ctx, "/query", body, &out); err != nil {
		return model.QueryResult{}, err
	}

	res := model.QueryResult{Rows: out.Rows, Summary: out.Summary, Count: len(out.Rows)}
	if out.Count != nil {
		res.Count = *out.Count
	}
	return res, nil
}

// HealthCheck probes GET {base}/health.
func (w *HTTPQueryWorker) HealthCheck(ctx context.Context) error {
	return w.c.healthCheck(ctx)
}

// BreakerState returns the state of the worker's circuit breaker.
func (w *HTTPQueryWorker) BreakerState() BreakerState {
	return w.c.breaker.State()
}

// --- synthesis worker ---

// HTTPSynthesisWorker turns result bundles into narratives through
// POST {base}/synthesize.
type HTTPSynthesisWorker struct {
	c *client
}

// NewHTTPSynthesisWorker creates a synthesis worker client for cfg.
func NewHTTPSynthesisWorker(cfg config.EndpointConfig, opts ...Option) *HTTPSynthesisWorker {
	return &HTTPSynthesisWorker{c: newClient(SynthesisWorkerName, cfg, opts...)}
}

type synthesisResponseBody struct {
	Report string `json:"report"`
}

// Synthesize sends the bundle and returns the narrative report.
func (w *HTTPSynthesisWorker) Synthesize(ctx context.Context, bundle model.ResultBundle) (string, error) {
	var out synthesisResponseBody
	if err := w.c.post(ctx, "/synthesize", bundle, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Report) == "" {
		return "", &model.WorkerError{Code: "empty_report", Message: "synthesis worker returned an empty report"}
	}
	return out.Report, nil
}

// --- classification helpers ---

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	ceiling := cfg.BackoffMax
	if ceiling <= 0 {
		ceiling = 2 * time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}
