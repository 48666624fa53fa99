package model

import "time"

// PhaseResult is one phase's entry in a ResultBundle.
type PhaseResult struct {
	PhaseID  string        `json:"phase_id"`
	Status   PhaseStatus   `json:"status"`
	Warnings bool          `json:"warnings,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Outcomes []TaskOutcome `json:"outcomes"`
}

// ResultBundle is the aggregated outcome of a run, handed to the synthesis
// worker. Phases are kept in declaration order; ByPhase indexes the same data.
type ResultBundle struct {
	ExecutionID   string        `json:"execution_id"`
	WorkflowID    string        `json:"workflow_id"`
	WorkflowName  string        `json:"workflow_name"`
	Status        RunStatus     `json:"status"`
	Cancelled     bool          `json:"cancelled,omitempty"`
	Phases        []PhaseResult `json:"phases"`
	TotalDuration time.Duration `json:"-"`
	DurationMs    int64         `json:"total_duration_ms"`
	FailedTasks   int           `json:"failed_tasks"`
	TotalTasks    int           `json:"total_tasks"`
}

// ByPhase returns the ordered outcomes keyed by phase ID.
func (b ResultBundle) ByPhase() map[string][]TaskOutcome {
	out := make(map[string][]TaskOutcome, len(b.Phases))
	for _, p := range b.Phases {
		out[p.PhaseID] = p.Outcomes
	}
	return out
}

// Report is the final answer of a run: the narrative from the synthesis
// worker plus the raw bundle. When synthesis fails the narrative is empty
// and SynthesisSkipped is set.
type Report struct {
	ExecutionID      string       `json:"execution_id"`
	WorkflowID       string       `json:"workflow_id"`
	Status           RunStatus    `json:"status"`
	Narrative        string       `json:"narrative,omitempty"`
	Bundle           ResultBundle `json:"bundle"`
	SynthesisSkipped bool         `json:"synthesis_skipped"`
	SynthesisError   string       `json:"synthesis_error,omitempty"`
}
