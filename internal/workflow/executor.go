package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/flowpilot/internal/observability"
	"github.com/pitabwire/flowpilot/model"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// resolvePlaceholders replaces {KEY} tokens with run input values. Keys match
// case-insensitively; unknown tokens are left untouched.
func resolvePlaceholders(query string, input map[string]any) string {
	if len(input) == 0 || !strings.Contains(query, "{") {
		return query
	}
	values := make(map[string]string, len(input))
	for k, v := range input {
		values[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return placeholderRe.ReplaceAllStringFunc(query, func(tok string) string {
		if v, ok := values[strings.ToUpper(tok[1:len(tok)-1])]; ok {
			return v
		}
		return tok
	})
}

// execute drives one run from start to report. It is the only goroutine that
// finalizes the run; phase goroutines write their own slots of the state.
func (e *Engine) execute(ctx context.Context, x *Execution) {
	def := x.graph.Workflow
	ctx, span := observability.StartSpan(ctx, "workflow.run",
		observability.AttrWorkflowID.String(def.ID),
		observability.AttrExecutionID.String(x.ID),
	)
	logger := e.runLogger(ctx, x)
	ctx = observability.WithLogger(ctx, logger)

	x.update(func(s *model.ExecutionState) { s.Status = model.RunRunning })
	e.emit(x, model.ProgressEvent{Kind: model.ProgressRun, Status: string(model.RunRunning)})

	done := make(map[*Unit]chan struct{}, len(x.graph.Units))
	for _, u := range x.graph.Units {
		done[u] = make(chan struct{})
	}

	var wg sync.WaitGroup
	for _, u := range x.graph.Units {
		wg.Add(1)
		go func(u *Unit) {
			defer wg.Done()
			defer close(done[u])
			for _, d := range u.Deps {
				<-done[d]
			}
			e.runUnit(ctx, x, u)
		}(u)
	}
	wg.Wait()

	var final model.ExecutionState
	x.update(func(s *model.ExecutionState) {
		s.Status = runStatus(s.Phases)
		s.EndedAt = e.now()
		final = s.Clone()
	})
	e.emit(x, model.ProgressEvent{
		Kind:     model.ProgressRun,
		Status:   string(final.Status),
		Duration: final.EndedAt.Sub(final.StartedAt),
	})
	span.SetAttributes(observability.AttrStatus.String(string(final.Status)))

	x.report = e.aggregator.Aggregate(ctx, final)

	var runErr error
	if final.Status == model.RunFailed {
		runErr = errors.New("run failed")
	}
	observability.EndSpanWithError(span, runErr)

	e.runs.Remove(x.ID)
	x.cancel()
	close(x.done)
}

// runUnit settles one phase once its dependencies have settled.
func (e *Engine) runUnit(ctx context.Context, x *Execution, u *Unit) {
	if reason := skipReason(ctx, x, u); reason != "" {
		e.skipPhase(x, u, reason)
		return
	}

	ctx, span := observability.StartSpan(ctx, "workflow.phase",
		observability.AttrPhaseID.String(u.ID()),
	)
	x.update(func(s *model.ExecutionState) { s.Phases[u.Index].Status = model.PhaseRunning })
	e.emit(x, model.ProgressEvent{Kind: model.ProgressPhase, PhaseID: u.ID(), Status: string(model.PhaseRunning)})

	if u.Parallel {
		e.runParallel(ctx, x, u)
	} else {
		e.runSequential(ctx, x, u)
	}

	var ps model.PhaseState
	x.update(func(s *model.ExecutionState) {
		p := &s.Phases[u.Index]
		p.Status, p.Warnings, p.Reason = phaseOutcome(p.Tasks)
		ps = *p
	})
	e.emit(x, model.ProgressEvent{Kind: model.ProgressPhase, PhaseID: u.ID(), Status: string(ps.Status)})

	var err error
	if ps.Status == model.PhaseFailed {
		err = errors.New(ps.Reason)
	}
	span.SetAttributes(observability.AttrStatus.String(string(ps.Status)))
	observability.EndSpanWithError(span, err)
}

func skipReason(ctx context.Context, x *Execution, u *Unit) string {
	if ctx.Err() != nil {
		return "run cancelled before phase started"
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, d := range u.Deps {
		switch st := x.state.Phases[d.Index].Status; st {
		case model.PhaseFailed, model.PhaseSkipped:
			return fmt.Sprintf("dependency %q %s", d.ID(), st)
		}
	}
	return ""
}

func (e *Engine) skipPhase(x *Execution, u *Unit, reason string) {
	x.update(func(s *model.ExecutionState) {
		p := &s.Phases[u.Index]
		p.Status = model.PhaseSkipped
		p.Reason = reason
		for i := range p.Tasks {
			p.Tasks[i].Status = model.TaskSkipped
			p.Tasks[i].Failure = &model.TaskFailure{Kind: model.FailureSkipped, Message: "phase skipped: " + reason}
		}
	})
	for _, t := range u.Phase.Tasks {
		e.emit(x, model.ProgressEvent{Kind: model.ProgressTask, PhaseID: u.ID(), TaskID: t.ID,
			Status: string(model.TaskSkipped), FailureKind: model.FailureSkipped})
	}
	e.emit(x, model.ProgressEvent{Kind: model.ProgressPhase, PhaseID: u.ID(), Status: string(model.PhaseSkipped)})
}

func (e *Engine) runParallel(ctx context.Context, x *Execution, u *Unit) {
	limit := semaphore.NewWeighted(int64(u.MaxParallel))
	var wg sync.WaitGroup
	for i := range u.Phase.Tasks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := limit.Acquire(ctx, 1); err != nil {
				e.settle(x, u, i, cancelledBeforeDispatch())
				return
			}
			defer limit.Release(1)
			e.dispatch(ctx, x, u, i)
		}(i)
	}
	wg.Wait()
}

func (e *Engine) runSequential(ctx context.Context, x *Execution, u *Unit) {
	failedAt := ""
	for i, t := range u.Phase.Tasks {
		if failedAt != "" {
			e.settle(x, u, i, model.TaskOutcome{
				Status:  model.TaskSkipped,
				Failure: &model.TaskFailure{Kind: model.FailureSkipped, Message: fmt.Sprintf("skipped after task %q failed", failedAt)},
			})
			continue
		}
		out := e.dispatch(ctx, x, u, i)
		if u.Phase.StopOnError && !t.Optional && out.Status != model.TaskSucceeded {
			failedAt = t.ID
		}
	}
}

// dispatch runs a single task under the engine-wide limit and records its
// outcome.
func (e *Engine) dispatch(ctx context.Context, x *Execution, u *Unit, i int) model.TaskOutcome {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return e.settle(x, u, i, cancelledBeforeDispatch())
	}
	defer e.sem.Release(1)
	if ctx.Err() != nil {
		return e.settle(x, u, i, cancelledBeforeDispatch())
	}

	task := u.Phase.Tasks[i]
	ctx, span := observability.StartSpan(ctx, "workflow.task",
		observability.AttrPhaseID.String(u.ID()),
		observability.AttrTaskID.String(task.ID),
	)

	var query string
	started := e.now()
	x.update(func(s *model.ExecutionState) {
		t := &s.Phases[u.Index].Tasks[i]
		t.Status = model.TaskRunning
		t.StartedAt = started
		query = t.Query
	})
	e.emit(x, model.ProgressEvent{Kind: model.ProgressTask, PhaseID: u.ID(), TaskID: task.ID, Status: string(model.TaskRunning)})
	observability.LoggerFrom(ctx, e.logger).Debug("dispatching task",
		zap.String("phase_id", u.ID()),
		zap.String("task_id", task.ID),
		zap.Duration("timeout", task.Timeout),
	)

	instruction := task.ExpectedResults
	if instruction == "" {
		instruction = task.Description
	}
	req := model.QueryRequest{
		Query:       query,
		Window:      task.Window,
		Timeout:     task.Timeout,
		Instruction: instruction,
	}
	res, deadline, err := e.callWorker(ctx, req)

	out := model.TaskOutcome{StartedAt: started, FinishedAt: e.now()}
	if err == nil {
		out.Status = model.TaskSucceeded
		out.Result = &res
	} else {
		out.Status = model.TaskFailed
		out.Failure = classify(ctx.Err() != nil || x.isCancelled(), deadline, err, task.Timeout)
		span.SetAttributes(observability.AttrStatus.String(string(out.Failure.Kind)))
	}
	observability.EndSpanWithError(span, err)
	return e.settle(x, u, i, out)
}

type workerReply struct {
	res model.QueryResult
	err error
}

// callWorker runs the query under the task timeout. The deadline is enforced
// even when the worker ignores its context, and a panicking worker is
// reported as an error. deadline is the timeout context's error.
func (e *Engine) callWorker(ctx context.Context, req model.QueryRequest) (res model.QueryResult, deadline error, err error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = model.DefaultTaskTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan workerReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				reply <- workerReply{err: fmt.Errorf("query worker panic: %v", r)}
			}
		}()
		out, werr := e.queries.Execute(tctx, req)
		reply <- workerReply{res: out, err: werr}
	}()

	select {
	case r := <-reply:
		return r.res, tctx.Err(), r.err
	case <-tctx.Done():
		return model.QueryResult{}, tctx.Err(), tctx.Err()
	}
}

// classify maps a worker error to a task failure. Cancellation of the run
// wins over the task deadline.
func classify(runCancelled bool, deadline, err error, timeout time.Duration) *model.TaskFailure {
	switch {
	case runCancelled:
		return &model.TaskFailure{Kind: model.FailureCancelled, Message: "run cancelled"}
	case errors.Is(deadline, context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &model.TaskFailure{Kind: model.FailureTimeout, Message: fmt.Sprintf("task exceeded timeout of %s", timeout)}
	default:
		return &model.TaskFailure{Kind: model.FailureQueryError, Message: err.Error()}
	}
}

func cancelledBeforeDispatch() model.TaskOutcome {
	return model.TaskOutcome{
		Status:  model.TaskFailed,
		Failure: &model.TaskFailure{Kind: model.FailureCancelled, Message: "run cancelled before dispatch"},
	}
}

// settle writes the outcome into the task's slot and emits its event. The
// identity fields already in the slot are kept.
func (e *Engine) settle(x *Execution, u *Unit, i int, out model.TaskOutcome) model.TaskOutcome {
	var settled model.TaskOutcome
	x.update(func(s *model.ExecutionState) {
		t := &s.Phases[u.Index].Tasks[i]
		t.Status = out.Status
		t.Result = out.Result
		t.Failure = out.Failure
		if !out.StartedAt.IsZero() {
			t.StartedAt = out.StartedAt
		}
		t.FinishedAt = out.FinishedAt
		settled = *t
	})

	ev := model.ProgressEvent{
		Kind:     model.ProgressTask,
		PhaseID:  u.ID(),
		TaskID:   settled.TaskID,
		Status:   string(settled.Status),
		Duration: settled.Duration(),
	}
	if settled.Failure != nil {
		ev.FailureKind = settled.Failure.Kind
	}
	e.emit(x, ev)
	return settled
}

// phaseOutcome derives a started phase's status from its settled tasks.
func phaseOutcome(tasks []model.TaskOutcome) (model.PhaseStatus, bool, string) {
	warnings := false
	for _, t := range tasks {
		if t.Status == model.TaskSucceeded {
			continue
		}
		if !t.Optional {
			reason := fmt.Sprintf("required task %q %s", t.TaskID, t.Status)
			if t.Failure != nil {
				reason += ": " + t.Failure.Message
			}
			return model.PhaseFailed, false, reason
		}
		warnings = true
	}
	return model.PhaseSucceeded, warnings, ""
}

// runStatus folds the settled phases into the run status.
func runStatus(phases []model.PhaseState) model.RunStatus {
	allSucceeded := true
	requiredBroken := false
	anySucceeded := false
	for _, p := range phases {
		if p.Status != model.PhaseSucceeded {
			allSucceeded = false
			if !p.Optional && (p.Status == model.PhaseFailed || p.Status == model.PhaseSkipped) {
				requiredBroken = true
			}
		}
		for _, t := range p.Tasks {
			if t.Status == model.TaskSucceeded {
				anySucceeded = true
			}
		}
	}
	switch {
	case allSucceeded:
		return model.RunSucceeded
	case requiredBroken && !anySucceeded:
		return model.RunFailed
	default:
		return model.RunPartiallySucceeded
	}
}
