package workflow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/flowpilot/model"
)

// RunTracker indexes in-flight executions by ID. Runs are removed once their
// report has been produced; nothing is persisted.
type RunTracker struct {
	mu   sync.RWMutex
	runs map[string]*Execution
}

// NewRunTracker creates an empty tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{runs: make(map[string]*Execution)}
}

// Add registers an execution.
func (t *RunTracker) Add(x *Execution) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.runs[x.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("execution %q already exists", x.ID))
	}
	t.runs[x.ID] = x
	return nil
}

// Get returns the in-flight execution with the given ID.
func (t *RunTracker) Get(id string) (*Execution, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	x, ok := t.runs[id]
	if !ok {
		return nil, model.NewExecutionNotFoundError(id)
	}
	return x, nil
}

// Remove drops an execution. Removing an unknown ID is a no-op.
func (t *RunTracker) Remove(id string) {
	t.mu.Lock()
	delete(t.runs, id)
	t.mu.Unlock()
}

// All returns the in-flight executions in no particular order.
func (t *RunTracker) All() []*Execution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Execution, 0, len(t.runs))
	for _, x := range t.runs {
		out = append(out, x)
	}
	return out
}

// Len returns the number of in-flight executions.
func (t *RunTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.runs)
}

// Snapshots returns a copy of every in-flight execution state, oldest first.
func (t *RunTracker) Snapshots(workflowID string) []model.ExecutionState {
	t.mu.RLock()
	out := make([]model.ExecutionState, 0, len(t.runs))
	for _, x := range t.runs {
		if workflowID != "" && x.WorkflowID != workflowID {
			continue
		}
		out = append(out, x.Snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
