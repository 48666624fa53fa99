package model

import (
	"context"
	"fmt"
	"time"
)

// QueryRequest is what the engine hands the query worker for one task.
type QueryRequest struct {
	Query       string        `json:"query"`
	Window      TimeWindow    `json:"window"`
	Timeout     time.Duration `json:"timeout"`
	Instruction string        `json:"instruction,omitempty"`
}

// QueryResult is the structured payload returned by the query worker.
type QueryResult struct {
	Rows    []map[string]any `json:"rows,omitempty"`
	Count   int              `json:"count"`
	Summary string           `json:"summary,omitempty"`
}

// QueryWorker executes a single query.
//
// A *WorkerError return means the worker ran the query and reported a
// failure. Context errors mean the call was cut short.
type QueryWorker interface {
	Execute(ctx context.Context, req QueryRequest) (QueryResult, error)
}

// SynthesisWorker turns a result bundle into a narrative report.
type SynthesisWorker interface {
	Synthesize(ctx context.Context, bundle ResultBundle) (string, error)
}

// QueryWorkerFunc adapts a function to the QueryWorker interface.
type QueryWorkerFunc func(ctx context.Context, req QueryRequest) (QueryResult, error)

// Execute calls f.
func (f QueryWorkerFunc) Execute(ctx context.Context, req QueryRequest) (QueryResult, error) {
	return f(ctx, req)
}

// SynthesisWorkerFunc adapts a function to the SynthesisWorker interface.
type SynthesisWorkerFunc func(ctx context.Context, bundle ResultBundle) (string, error)

// Synthesize calls f.
func (f SynthesisWorkerFunc) Synthesize(ctx context.Context, bundle ResultBundle) (string, error) {
	return f(ctx, bundle)
}

// WorkerError is a failure reported by a worker about the work itself, as
// opposed to a transport or timeout failure.
type WorkerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WorkerError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
