// Package graph runs build tasks as a dependency graph.
//
// A Graph is an immutable-after-validation set of named tasks with
// dependencies. The Executor runs every task once per Run: a task starts as
// soon as all of its dependencies have completed, and tasks with no path
// between them run concurrently. Tasks gated to production are skipped in
// development mode and count as satisfied for their dependents.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/conneroisu/sitepipe/internal/errors"
)

// Gate restricts the build modes a task runs in.
type Gate int

const (
	// GateNone runs in every mode.
	GateNone Gate = iota
	// GateProduction runs only in production builds.
	GateProduction
)

func (g Gate) String() string {
	if g == GateProduction {
		return "production"
	}
	return "none"
}

// Task is a unit of work in the graph.
type Task struct {
	Name      string
	Run       func(ctx context.Context) error
	DependsOn []string
	Gate      Gate
}

// Graph is a set of tasks and their dependencies.
type Graph struct {
	tasks     map[string]Task
	names     []string
	order     []string
	validated bool
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{tasks: make(map[string]Task)}
}

// Add registers a task. Task names must be unique.
func (g *Graph) Add(task Task) error {
	if task.Name == "" {
		return errors.NewInternalError(errors.ErrCodeGraphInvalid, "task name is required", nil)
	}
	if task.Run == nil {
		return errors.NewInternalError(errors.ErrCodeGraphInvalid, fmt.Sprintf("task %q has no run function", task.Name), nil)
	}
	if _, exists := g.tasks[task.Name]; exists {
		return errors.NewInternalError(errors.ErrCodeGraphInvalid, fmt.Sprintf("duplicate task %q", task.Name), nil)
	}

	deps := make([]string, len(task.DependsOn))
	copy(deps, task.DependsOn)
	task.DependsOn = deps

	g.tasks[task.Name] = task
	g.names = append(g.names, task.Name)
	g.validated = false

	return nil
}

// MustAdd is Add for static topologies.
func (g *Graph) MustAdd(task Task) {
	if err := g.Add(task); err != nil {
		panic(err)
	}
}

// Validate checks that every dependency exists and that the graph is
// acyclic, then computes the deterministic execution order.
func (g *Graph) Validate() error {
	for _, name := range g.names {
		for _, dep := range g.tasks[name].DependsOn {
			if dep == name {
				return errors.NewInternalError(errors.ErrCodeGraphInvalid, fmt.Sprintf("task %q depends on itself", name), nil)
			}
			if _, ok := g.tasks[dep]; !ok {
				return errors.NewInternalError(errors.ErrCodeGraphInvalid,
					fmt.Sprintf("task %q depends on unknown task %q", name, dep), nil)
			}
		}
	}

	depth := make(map[string]int, len(g.tasks))
	indegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string, len(g.tasks))
	for _, name := range g.names {
		indegree[name] = len(g.tasks[name].DependsOn)
		for _, dep := range g.tasks[name].DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for _, name := range g.names {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range dependents[name] {
			if depth[name]+1 > depth[child] {
				depth[child] = depth[name] + 1
			}
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(g.tasks) {
		var stuck []string
		for _, name := range g.names {
			if indegree[name] > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return errors.NewInternalError(errors.ErrCodeGraphInvalid,
			"dependency cycle among tasks: "+strings.Join(stuck, ", "), nil)
	}

	order := make([]string, len(g.names))
	copy(order, g.names)
	sort.Slice(order, func(i, j int) bool {
		if depth[order[i]] != depth[order[j]] {
			return depth[order[i]] < depth[order[j]]
		}
		return order[i] < order[j]
	})

	g.order = order
	g.validated = true

	return nil
}

// Order returns the task names sorted by depth, then name.
func (g *Graph) Order() ([]string, error) {
	if !g.validated {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}

	out := make([]string, len(g.order))
	copy(out, g.order)

	return out, nil
}
