package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category classifies what a workflow investigates.
type Category string

// Supported workflow categories.
const (
	CategorySecurity        Category = "security"
	CategoryPerformance     Category = "performance"
	CategoryTroubleshooting Category = "troubleshooting"
	CategoryAnalysis        Category = "analysis"
	CategoryMonitoring      Category = "monitoring"
	CategoryDataQuality     Category = "data_quality"
)

// Complexity is the operator skill tier a workflow is written for.
type Complexity string

const (
	ComplexityBeginner     Complexity = "beginner"
	ComplexityIntermediate Complexity = "intermediate"
	ComplexityAdvanced     Complexity = "advanced"
)

// Stability marks whether a workflow is production ready.
type Stability string

const (
	StabilityStable       Stability = "stable"
	StabilityExperimental Stability = "experimental"
)

// Source records where a workflow came from.
type Source string

const (
	// SourceCore is a built-in workflow shipped with the engine.
	SourceCore Source = "core"
	// SourceContrib is a community workflow.
	SourceContrib Source = "contrib"
)

// WorkerQuery is the only worker capability a task may target.
const WorkerQuery = "query"

// Defaults applied by the validator when a template leaves a field empty.
const (
	DefaultEarliest    = "-24h@h"
	DefaultLatest      = "now"
	DefaultTaskTimeout = 300 * time.Second
)

// WorkflowDefinition is a validated, immutable workflow template. Every
// template shape is resolved into the phase-based form before it reaches
// this type.
type WorkflowDefinition struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Category     Category          `json:"category" yaml:"category"`
	Complexity   Complexity        `json:"complexity" yaml:"complexity"`
	Stability    Stability         `json:"stability" yaml:"stability"`
	Source       Source            `json:"source,omitempty" yaml:"source,omitempty"`
	Disabled     bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Requirements []Requirement     `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Phases       []PhaseDefinition `json:"phases" yaml:"phases"`

	SourceFile string `json:"source_file,omitempty" yaml:"-"`
	Checksum   string `json:"checksum,omitempty" yaml:"-"`
}

// TaskCount returns the number of tasks across all phases.
func (w WorkflowDefinition) TaskCount() int {
	n := 0
	for _, p := range w.Phases {
		n += len(p.Tasks)
	}
	return n
}

// Phase returns the phase with the given ID.
func (w WorkflowDefinition) Phase(id string) (PhaseDefinition, bool) {
	for _, p := range w.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return PhaseDefinition{}, false
}

// Requirement names a worker the workflow depends on.
type Requirement struct {
	Name        string `json:"name" yaml:"name"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// PhaseDefinition is an ordered group of tasks.
type PhaseDefinition struct {
	ID          string           `json:"id" yaml:"id"`
	Title       string           `json:"title,omitempty" yaml:"title,omitempty"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Parallel    bool             `json:"parallel" yaml:"parallel"`
	MaxParallel int              `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty"`
	DependsOn   []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Optional    bool             `json:"optional,omitempty" yaml:"optional,omitempty"`
	StopOnError bool             `json:"stop_on_error,omitempty" yaml:"stop_on_error,omitempty"`
	Tasks       []TaskDefinition `json:"tasks" yaml:"tasks"`
}

// TaskDefinition is one query dispatched to the query worker.
type TaskDefinition struct {
	ID              string        `json:"id" yaml:"id"`
	Title           string        `json:"title,omitempty" yaml:"title,omitempty"`
	Description     string        `json:"description,omitempty" yaml:"description,omitempty"`
	Worker          string        `json:"worker" yaml:"worker"`
	Query           string        `json:"query" yaml:"query"`
	Window          TimeWindow    `json:"window" yaml:"window"`
	Timeout         time.Duration `json:"-" yaml:"timeout"`
	ExpectedResults string        `json:"expected_results,omitempty" yaml:"expected_results,omitempty"`
	Optional        bool          `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type taskJSON TaskDefinition

// MarshalJSON writes Timeout as a duration string ("5m0s") so a definition
// read back from the API validates to the same value.
func (t TaskDefinition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		taskJSON
		Timeout string `json:"timeout"`
	}{taskJSON: taskJSON(t), Timeout: t.Timeout.String()})
}

// UnmarshalJSON accepts Timeout as a duration string or a number of seconds.
func (t *TaskDefinition) UnmarshalJSON(data []byte) error {
	var aux struct {
		*taskJSON
		Timeout json.RawMessage `json:"timeout"`
	}
	aux.taskJSON = (*taskJSON)(t)
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Timeout) == 0 || string(aux.Timeout) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.Timeout, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("task %s: timeout: %w", t.ID, err)
		}
		t.Timeout = d
		return nil
	}
	var secs float64
	if err := json.Unmarshal(aux.Timeout, &secs); err != nil {
		return fmt.Errorf("task %s: timeout must be a duration string or seconds", t.ID)
	}
	t.Timeout = time.Duration(secs * float64(time.Second))
	return nil
}

// TimeWindow bounds the data a query looks at. Bounds are kept as the
// expressions written in the template; the query worker interprets them.
type TimeWindow struct {
	Earliest string `json:"earliest" yaml:"earliest"`
	Latest   string `json:"latest" yaml:"latest"`
}
