package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/model"
)

// DefaultSynthesisTimeout bounds a single call to the synthesis worker.
const DefaultSynthesisTimeout = 120 * time.Second

// SynthesisRecorder counts synthesis outcomes.
type SynthesisRecorder interface {
	RecordSynthesis(status string)
}

// Synthesis outcome labels.
const (
	SynthesisSucceeded = "succeeded"
	SynthesisFailed    = "failed"
	SynthesisSkipped   = "skipped"
)

// Aggregator turns a finished run into a Report.
type Aggregator struct {
	synth    model.SynthesisWorker
	timeout  time.Duration
	logger   *zap.Logger
	recorder SynthesisRecorder
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithSynthesisTimeout overrides DefaultSynthesisTimeout.
func WithSynthesisTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAggregatorLogger sets the fallback logger.
func WithAggregatorLogger(l *zap.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithSynthesisRecorder sets where synthesis outcomes are counted.
func WithSynthesisRecorder(r SynthesisRecorder) AggregatorOption {
	return func(a *Aggregator) { a.recorder = r }
}

// NewAggregator creates an Aggregator. A nil synth produces reports with
// synthesis skipped.
func NewAggregator(synth model.SynthesisWorker, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		synth:   synth,
		timeout: DefaultSynthesisTimeout,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Bundle builds the result bundle for a settled run.
func Bundle(state model.ExecutionState) model.ResultBundle {
	b := model.ResultBundle{
		ExecutionID:  state.ExecutionID,
		WorkflowID:   state.WorkflowID,
		WorkflowName: state.WorkflowName,
		Status:       state.Status,
		Cancelled:    state.Cancelled,
		Phases:       make([]model.PhaseResult, 0, len(state.Phases)),
	}
	if !state.EndedAt.IsZero() {
		b.TotalDuration = state.EndedAt.Sub(state.StartedAt)
		b.DurationMs = b.TotalDuration.Milliseconds()
	}
	for _, p := range state.Phases {
		b.Phases = append(b.Phases, model.PhaseResult{
			PhaseID:  p.PhaseID,
			Status:   p.Status,
			Warnings: p.Warnings,
			Reason:   p.Reason,
			Outcomes: append([]model.TaskOutcome(nil), p.Tasks...),
		})
		for _, t := range p.Tasks {
			b.TotalTasks++
			if t.Status == model.TaskFailed {
				b.FailedTasks++
			}
		}
	}
	return b
}

// Aggregate bundles the run's results and asks the synthesis worker for a
// narrative. A synthesis failure never hides the query results.
func (a *Aggregator) Aggregate(ctx context.Context, state model.ExecutionState) model.Report {
	r := model.Report{
		ExecutionID: state.ExecutionID,
		WorkflowID:  state.WorkflowID,
		Status:      state.Status,
		Bundle:      Bundle(state),
	}

	logger := observability.LoggerFrom(ctx, a.logger)
	switch {
	case a.synth == nil:
		r.SynthesisSkipped = true
		r.SynthesisError = "no synthesis worker configured"
	case state.Cancelled:
		r.SynthesisSkipped = true
		r.SynthesisError = "run cancelled"
	default:
		narrative, err := a.synthesize(ctx, r.Bundle)
		if err != nil {
			r.SynthesisSkipped = true
			r.SynthesisError = err.Error()
			a.record(SynthesisFailed)
			logger.Warn("synthesis failed, returning raw results", zap.Error(err))
			return r
		}
		r.Narrative = narrative
		a.record(SynthesisSucceeded)
		return r
	}

	a.record(SynthesisSkipped)
	logger.Debug("synthesis skipped", zap.String("reason", r.SynthesisError))
	return r
}

func (a *Aggregator) synthesize(ctx context.Context, bundle model.ResultBundle) (narrative string, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.synthesize",
		observability.AttrExecutionID.String(bundle.ExecutionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- reply{err: fmt.Errorf("synthesis worker panic: %v", rec)}
			}
		}()
		text, serr := a.synth.Synthesize(ctx, bundle)
		ch <- reply{text: text, err: serr}
	}()

	select {
	case rep := <-ch:
		if rep.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("synthesis timed out after %s", a.timeout)
		}
		return rep.text, rep.err
	case <-ctx.Done():
		return "", fmt.Errorf("synthesis timed out after %s", a.timeout)
	}
}

func (a *Aggregator) record(status string) {
	if a.recorder != nil {
		a.recorder.RecordSynthesis(status)
	}
}
