package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/flowpilot/internal/definition"
	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/model"
)

// DefaultMaxConcurrency is the engine-wide limit on in-flight tasks.
const DefaultMaxConcurrency = 8

// Engine starts and tracks workflow runs.
type Engine struct {
	registry   *definition.Registry
	queries    model.QueryWorker
	aggregator *Aggregator
	runs       *RunTracker
	sem        *semaphore.Weighted
	sink       ProgressSink
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrency bounds the number of tasks in flight across all runs.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithProgressSink sets where progress events are sent.
func WithProgressSink(s ProgressSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAggregator replaces the default aggregator.
func WithAggregator(a *Aggregator) Option {
	return func(e *Engine) {
		if a != nil {
			e.aggregator = a
		}
	}
}

// NewEngine creates an Engine reading workflows from registry and running
// their tasks on queries. Without WithAggregator, reports are produced with
// synthesis skipped.
func NewEngine(registry *definition.Registry, queries model.QueryWorker, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		queries:  queries,
		runs:     NewRunTracker(),
		sem:      semaphore.NewWeighted(DefaultMaxConcurrency),
		sink:     nopSink{},
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	if e.aggregator == nil {
		e.aggregator = NewAggregator(nil, WithAggregatorLogger(e.logger))
	}
	return e
}

// Execution is a handle on a started run.
type Execution struct {
	ID         string
	WorkflowID string

	graph     *Graph
	input     map[string]any
	cancel    context.CancelFunc
	done      chan struct{}
	report    model.Report
	mu        sync.Mutex
	state     model.ExecutionState
	cancelled bool
}

// Done is closed once the report is available.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Wait blocks until the run has produced its report or ctx is done.
func (x *Execution) Wait(ctx context.Context) (model.Report, error) {
	select {
	case <-x.done:
		return x.report, nil
	case <-ctx.Done():
		return model.Report{}, ctx.Err()
	}
}

// Snapshot returns a deep copy of the current run state.
func (x *Execution) Snapshot() model.ExecutionState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state.Clone()
}

func (x *Execution) update(fn func(s *model.ExecutionState)) {
	x.mu.Lock()
	fn(&x.state)
	x.mu.Unlock()
}

func (x *Execution) isCancelled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cancelled
}

// Start looks up the workflow in the current catalog snapshot, registers a
// new execution and runs it in the background. The run outlives ctx; use
// Cancel to stop it. Values carried by ctx, such as the logger and trace,
// are kept.
func (e *Engine) Start(ctx context.Context, workflowID string, input map[string]any) (*Execution, error) {
	def, ok := e.registry.Workflow(workflowID)
	if !ok {
		return nil, model.NewWorkflowNotFoundError(workflowID)
	}

	graph, err := Compile(def)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", workflowID, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	x := &Execution{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		graph:      graph,
		input:      copyInput(input),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	x.state = initialState(x.ID, def, x.input, e.now())

	if err := e.runs.Add(x); err != nil {
		cancel()
		return nil, err
	}

	go e.execute(runCtx, x)
	return x, nil
}

// Run starts a workflow and waits for its report. If ctx ends first the run
// is cancelled and the partial report is returned.
func (e *Engine) Run(ctx context.Context, workflowID string, input map[string]any) (model.Report, error) {
	x, err := e.Start(ctx, workflowID, input)
	if err != nil {
		return model.Report{}, err
	}

	select {
	case <-x.done:
	case <-ctx.Done():
		e.cancelExecution(x)
		<-x.done
	}
	return x.report, nil
}

// Cancel stops an in-flight run. Unknown and finished runs are reported as
// EXECUTION_NOT_FOUND.
func (e *Engine) Cancel(executionID string) error {
	x, err := e.runs.Get(executionID)
	if err != nil {
		return err
	}
	if x.Snapshot().Status.Terminal() {
		return model.NewExecutionNotFoundError(executionID)
	}
	e.cancelExecution(x)
	return nil
}

// CancelAll cancels every in-flight run without waiting for it to settle
// and returns how many runs it signalled.
func (e *Engine) CancelAll() int {
	n := 0
	for _, x := range e.runs.All() {
		if x.Snapshot().Status.Terminal() {
			continue
		}
		e.cancelExecution(x)
		n++
	}
	return n
}

func (e *Engine) cancelExecution(x *Execution) {
	x.mu.Lock()
	already := x.cancelled
	x.cancelled = true
	x.state.Cancelled = true
	x.mu.Unlock()
	if already {
		return
	}

	e.emit(x, model.ProgressEvent{Kind: model.ProgressRun, Status: progressCancelRequested})
	x.cancel()
}

// Snapshot returns the live state of an in-flight run.
func (e *Engine) Snapshot(executionID string) (model.ExecutionState, bool) {
	x, err := e.runs.Get(executionID)
	if err != nil {
		return model.ExecutionState{}, false
	}
	return x.Snapshot(), true
}

// Active returns the state of every in-flight run, optionally filtered by
// workflow ID.
func (e *Engine) Active(workflowID string) []model.ExecutionState {
	return e.runs.Snapshots(workflowID)
}

func (e *Engine) emit(x *Execution, ev model.ProgressEvent) {
	ev.ExecutionID = x.ID
	ev.WorkflowID = x.WorkflowID
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.sink.Emit(ev)
}

func (e *Engine) runLogger(ctx context.Context, x *Execution) *zap.Logger {
	return observability.RunLogger(ctx, e.logger, x.WorkflowID, x.ID)
}

func initialState(id string, def model.WorkflowDefinition, input map[string]any, now time.Time) model.ExecutionState {
	s := model.ExecutionState{
		ExecutionID:  id,
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		Version:      def.Version,
		Status:       model.RunNotStarted,
		Input:        input,
		Phases:       make([]model.PhaseState, len(def.Phases)),
		StartedAt:    now,
	}
	for i, p := range def.Phases {
		ps := model.PhaseState{
			PhaseID:  p.ID,
			Title:    p.Title,
			Optional: p.Optional,
			Status:   model.PhasePending,
			Tasks:    make([]model.TaskOutcome, len(p.Tasks)),
		}
		for j, t := range p.Tasks {
			ps.Tasks[j] = model.TaskOutcome{
				TaskID:   t.ID,
				Title:    t.Title,
				Query:    resolvePlaceholders(t.Query, input),
				Optional: t.Optional,
				Status:   model.TaskPending,
			}
		}
		s.Phases[i] = ps
	}
	return s
}

func copyInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
