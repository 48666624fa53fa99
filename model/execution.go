package model

import "time"

// RunStatus is the overall status of one workflow execution.
type RunStatus string

const (
	RunNotStarted         RunStatus = "not_started"
	RunRunning            RunStatus = "running"
	RunSucceeded          RunStatus = "succeeded"
	RunFailed             RunStatus = "failed"
	RunPartiallySucceeded RunStatus = "partially_succeeded"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunPartiallySucceeded
}

// PhaseStatus is the status of one phase within a run.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Terminal reports whether the phase has settled.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseSucceeded || s == PhaseFailed || s == PhaseSkipped
}

// TaskStatus is the status of one task within a run.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// FailureKind classifies why a task did not succeed.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureQueryError FailureKind = "query_error"
	FailureCancelled  FailureKind = "cancelled"
	FailureSkipped    FailureKind = "skipped"
)

// TaskFailure describes a task that did not produce a result. It is always
// scoped to a single task.
type TaskFailure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// TaskOutcome is the state of a task inside an ExecutionState.
type TaskOutcome struct {
	TaskID     string       `json:"task_id"`
	Title      string       `json:"title,omitempty"`
	Query      string       `json:"query"`
	Optional   bool         `json:"optional,omitempty"`
	Status     TaskStatus   `json:"status"`
	Result     *QueryResult `json:"result,omitempty"`
	Failure    *TaskFailure `json:"failure,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// Duration returns how long the task ran, or zero if it never started.
func (o TaskOutcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// PhaseState is the state of a phase inside an ExecutionState. Tasks are
// kept in declaration order.
type PhaseState struct {
	PhaseID  string        `json:"phase_id"`
	Title    string        `json:"title,omitempty"`
	Optional bool          `json:"optional,omitempty"`
	Status   PhaseStatus   `json:"status"`
	Warnings bool          `json:"warnings,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Tasks    []TaskOutcome `json:"tasks"`
}

// ExecutionState is the run-time record of one workflow execution.
type ExecutionState struct {
	ExecutionID  string         `json:"execution_id"`
	WorkflowID   string         `json:"workflow_id"`
	WorkflowName string         `json:"workflow_name"`
	Version      string         `json:"version"`
	Status       RunStatus      `json:"status"`
	Cancelled    bool           `json:"cancelled,omitempty"`
	Input        map[string]any `json:"input,omitempty"`
	Phases       []PhaseState   `json:"phases"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s ExecutionState) Clone() ExecutionState {
	out := s
	if s.Input != nil {
		out.Input = make(map[string]any, len(s.Input))
		for k, v := range s.Input {
			out.Input[k] = v
		}
	}
	out.Phases = make([]PhaseState, len(s.Phases))
	for i, p := range s.Phases {
		cp := p
		cp.Tasks = append([]TaskOutcome(nil), p.Tasks...)
		out.Phases[i] = cp
	}
	return out
}

// ProgressKind says which level of the run a ProgressEvent describes.
type ProgressKind string

const (
	ProgressRun   ProgressKind = "run"
	ProgressPhase ProgressKind = "phase"
	ProgressTask  ProgressKind = "task"
)

// ProgressEvent reports a status transition during a run.
type ProgressEvent struct {
	ExecutionID string        `json:"execution_id"`
	WorkflowID  string        `json:"workflow_id"`
	Kind        ProgressKind  `json:"kind"`
	PhaseID     string        `json:"phase_id,omitempty"`
	TaskID      string        `json:"task_id,omitempty"`
	Status      string        `json:"status"`
	FailureKind FailureKind   `json:"failure_kind,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Time        time.Time     `json:"time"`
}
