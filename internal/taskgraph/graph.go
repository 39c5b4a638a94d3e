package taskgraph

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// MaxTasks bounds the number of tasks a single plan may carry.
	MaxTasks = 100

	// MaxDependencyDepth bounds the longest dependency chain.
	MaxDependencyDepth = 20
)

// Graph is a compiled, validated task DAG. Construction goes through
// Compile; a zero Graph is not usable.
type Graph struct {
	Tasks []Task

	byID       map[string]*Task
	dependents map[string][]string
	layers     [][]string
}

// Compile validates a raw task list and returns a schedulable graph.
// Rejections carry DECOMPOSITION_FAILED so callers can surface them
// without a retry loop.
func Compile(tasks []Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, NewTypedError(ErrDecomposition, "plan contains no tasks", nil)
	}
	if len(tasks) > MaxTasks {
		return nil, NewTypedError(ErrDecomposition,
			fmt.Sprintf("plan contains %d tasks, limit is %d", len(tasks), MaxTasks), nil)
	}

	g := &Graph{
		Tasks:      make([]Task, len(tasks)),
		byID:       make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	copy(g.Tasks, tasks)

	for i := range g.Tasks {
		t := &g.Tasks[i]
		if t.ID == "" {
			return nil, NewTypedError(ErrDecomposition, "task with empty id", nil)
		}
		if !t.Kind.Valid() {
			return nil, NewTypedError(ErrDecomposition,
				fmt.Sprintf("task %s has unknown kind %q", t.ID, t.Kind), nil)
		}
		if _, dup := g.byID[t.ID]; dup {
			return nil, NewTypedError(ErrDecomposition,
				fmt.Sprintf("duplicate task id %s", t.ID), nil)
		}
		g.byID[t.ID] = t
	}

	for i := range g.Tasks {
		t := &g.Tasks[i]
		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, NewTypedError(ErrDecomposition,
					fmt.Sprintf("task %s depends on itself", t.ID), nil)
			}
			if _, ok := g.byID[dep]; !ok {
				return nil, NewTypedError(ErrDecomposition,
					fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep), nil)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}

	layers, err := topoLayers(g)
	if err != nil {
		return nil, err
	}
	if len(layers) > MaxDependencyDepth {
		return nil, NewTypedError(ErrDecomposition,
			fmt.Sprintf("dependency chain depth %d exceeds limit %d", len(layers), MaxDependencyDepth), nil)
	}
	g.layers = layers
	return g, nil
}

// Task returns the task with the given id, or nil.
func (g *Graph) Task(id string) *Task {
	return g.byID[id]
}

// Dependents returns task ids that directly depend on id, in insertion order.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Layers returns topological layers. Tasks within a layer have no
// dependencies on each other; each layer is sorted by the scheduling
// tie-break order.
func (g *Graph) Layers() [][]string {
	return g.layers
}

// Roots returns the first layer: tasks with no dependencies.
func (g *Graph) Roots() []string {
	if len(g.layers) == 0 {
		return nil
	}
	return g.layers[0]
}

// TransitiveDependents walks the dependent closure of id. Used to
// cascade-skip downstream work after a permanent failure.
func (g *Graph) TransitiveDependents(id string) []string {
	visited := make(map[string]bool)
	var out []string
	var walk func(string)
	walk = func(cur string) {
		for _, next := range g.dependents[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			walk(next)
		}
	}
	walk(id)
	sort.Strings(out)
	return out
}

// SortReady orders ready task ids by scheduling priority: priority
// ascending, then kind rank, then lexicographic id.
func (g *Graph) SortReady(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.byID[ids[i]], g.byID[ids[j]]
		if a == nil || b == nil {
			return ids[i] < ids[j]
		}
		return Less(*a, *b)
	})
}

// DescribePath renders a dependency path for error messages.
func DescribePath(path []string) string {
	return strings.Join(path, " -> ")
}
