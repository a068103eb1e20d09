// Package graph builds and validates the task dependency graph for a plan.
// The graph is immutable once built: validation (unknown references, self
// dependencies, cycles) happens at construction, so downstream scheduling
// code can assume a well-formed DAG.
package graph

import (
	"fmt"
	"sort"

	"github.com/gantryhq/gantry/internal/constants"
	"github.com/gantryhq/gantry/internal/domain"
	gantryerrors "github.com/gantryhq/gantry/internal/errors"
)

// Graph is a validated task dependency DAG. All exported methods are safe
// for concurrent use; the structure is never mutated after Build returns.
type Graph struct {
	// order holds task ids in lexical order for deterministic iteration.
	order []string

	// dependencies maps a task id to the ids it depends on.
	dependencies map[string][]string

	// dependents maps a task id to the ids that depend on it.
	dependents map[string][]string
}

// Build constructs and validates the dependency graph for the given tasks.
// It fails with ErrUnknownDependency for a reference to a task id not in
// the plan, ErrSelfDependency for a task depending on itself, and a
// *DependencyCycleError naming the offending tasks when the graph is not
// acyclic.
func Build(tasks []*domain.Task) (*Graph, error) {
	g := &Graph{
		order:        make([]string, 0, len(tasks)),
		dependencies: make(map[string][]string, len(tasks)),
		dependents:   make(map[string][]string, len(tasks)),
	}

	for _, task := range tasks {
		if task.TaskID == "" {
			return nil, fmt.Errorf("task id %w", gantryerrors.ErrEmptyValue)
		}
		if _, exists := g.dependencies[task.TaskID]; exists {
			return nil, fmt.Errorf("duplicate task id %q: %w", task.TaskID, gantryerrors.ErrConfigInvalid)
		}
		g.order = append(g.order, task.TaskID)
		g.dependencies[task.TaskID] = nil
	}
	sort.Strings(g.order)

	for _, task := range tasks {
		deps := make([]string, 0, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			if dep == task.TaskID {
				return nil, fmt.Errorf("task %q depends on itself: %w", task.TaskID, gantryerrors.ErrSelfDependency)
			}
			if _, exists := g.dependencies[dep]; !exists {
				return nil, fmt.Errorf("task %q depends on unknown task %q: %w", task.TaskID, dep, gantryerrors.ErrUnknownDependency)
			}
			deps = append(deps, dep)
			g.dependents[dep] = append(g.dependents[dep], task.TaskID)
		}
		sort.Strings(deps)
		g.dependencies[task.TaskID] = deps
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, &gantryerrors.DependencyCycleError{Nodes: cycle}
	}
	return g, nil
}

// findCycle runs Kahn's algorithm; any node that cannot be topologically
// ordered participates in (or depends on) a cycle. The returned ids are
// sorted for stable error messages.
func (g *Graph) findCycle() []string {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, dependent := range g.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed == len(g.order) {
		return nil
	}

	remaining := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] > 0 {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

// TaskIDs returns all task ids in lexical order.
func (g *Graph) TaskIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the ids the given task depends on, in lexical order.
func (g *Graph) Dependencies(id string) []string {
	deps := g.dependencies[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// ReadySet returns the tasks that are eligible to run given the current
// statuses: every dependency has succeeded and the task itself is still
// blocked or ready. The result is sorted lexically by task id so dispatch
// order is deterministic. Tasks absent from statuses are treated as blocked.
func (g *Graph) ReadySet(statuses map[string]constants.TaskStatus) []string {
	ready := make([]string, 0)
	for _, id := range g.order {
		switch statuses[id] {
		case constants.TaskStatusRunning, constants.TaskStatusSucceeded, constants.TaskStatusFailed:
			continue
		case constants.TaskStatusBlocked, constants.TaskStatusReady, "":
		}

		eligible := true
		for _, dep := range g.dependencies[id] {
			if statuses[dep] != constants.TaskStatusSucceeded {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, id)
		}
	}
	return ready
}

// TransitiveDependents returns every task that directly or transitively
// depends on the given task, in lexical order. Used to mark blocked work
// when a task fails: only its downstream cone is affected.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[current] {
			continue
		}
		seen[current] = true
		stack = append(stack, g.dependents[current]...)
	}

	out := make([]string, 0, len(seen))
	for _, candidate := range g.order {
		if seen[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

// Levels groups task ids into topological levels: level 0 holds tasks with
// no dependencies, level N holds tasks whose deepest dependency is at level
// N-1. Ids within a level are lexically ordered. Useful for display and for
// reasoning about maximum parallelism.
func (g *Graph) Levels() [][]string {
	depth := make(map[string]int, len(g.order))

	var levelOf func(id string) int
	levelOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		max := 0
		for _, dep := range g.dependencies[id] {
			if d := levelOf(dep) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}

	maxLevel := 0
	for _, id := range g.order {
		if d := levelOf(id); d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}
