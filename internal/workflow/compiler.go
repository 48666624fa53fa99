// Package workflow compiles validated workflow definitions into phase graphs
// and executes them against the query and synthesis workers.
package workflow

import (
	"errors"
	"fmt"

	"github.com/pitabwire/flowpilot/model"
)

// ErrGraphCycle is returned by Compile when the phase graph cannot be
// ordered. Validated definitions never produce it.
var ErrGraphCycle = errors.New("phase graph has a cycle or unresolved dependency")

// defaultPhaseParallelism caps a parallel phase that declares no
// max_parallel of its own.
const defaultPhaseParallelism = 6

// Unit is one phase of a compiled Graph.
type Unit struct {
	Index       int
	Phase       model.PhaseDefinition
	Parallel    bool
	MaxParallel int
	Deps        []*Unit
}

// ID returns the phase ID.
func (u *Unit) ID() string { return u.Phase.ID }

// Graph is a workflow's phases in execution order.
type Graph struct {
	Workflow model.WorkflowDefinition
	Units    []*Unit
}

// Compile orders the phases of def topologically. Phases with no ordering
// constraint between them keep their declaration order.
func Compile(def model.WorkflowDefinition) (*Graph, error) {
	units := make([]*Unit, len(def.Phases))
	byID := make(map[string]*Unit, len(def.Phases))
	for i, p := range def.Phases {
		u := &Unit{
			Index:       i,
			Phase:       p,
			Parallel:    p.Parallel,
			MaxParallel: effectiveParallelism(p),
		}
		units[i] = u
		byID[p.ID] = u
	}

	indegree := make([]int, len(units))
	dependants := make([][]int, len(units))
	for _, u := range units {
		for _, dep := range u.Phase.DependsOn {
			d, ok := byID[dep]
			if !ok {
				return nil, fmt.Errorf("compile %s: phase %q depends on unknown phase %q: %w",
					def.ID, u.ID(), dep, ErrGraphCycle)
			}
			u.Deps = append(u.Deps, d)
			indegree[u.Index]++
			dependants[d.Index] = append(dependants[d.Index], u.Index)
		}
	}

	// Kahn's algorithm, always taking the lowest declaration index that is
	// ready. Phase counts are small, so a linear scan is fine.
	ordered := make([]*Unit, 0, len(units))
	done := make([]bool, len(units))
	for len(ordered) < len(units) {
		next := -1
		for i := range units {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("compile %s: %w", def.ID, ErrGraphCycle)
		}
		done[next] = true
		ordered = append(ordered, units[next])
		for _, d := range dependants[next] {
			indegree[d]--
		}
	}

	return &Graph{Workflow: def, Units: ordered}, nil
}

func effectiveParallelism(p model.PhaseDefinition) int {
	if !p.Parallel {
		return 1
	}
	if p.MaxParallel > 0 {
		return p.MaxParallel
	}
	n := len(p.Tasks)
	if n > defaultPhaseParallelism {
		n = defaultPhaseParallelism
	}
	if n < 1 {
		n = 1
	}
	return n
}
