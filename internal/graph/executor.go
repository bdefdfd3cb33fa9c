package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/sourcegraph/conc/panics"
)

// State is the runtime state of one task within a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
)

// satisfied reports whether a dependency in state s lets dependents start.
func (s State) satisfied() bool {
	return s == StateCompleted || s == StateSkipped
}

// TaskReport describes a finished task.
type TaskReport struct {
	Name     string
	State    State
	Duration time.Duration
	Err      error
}

// Observer is notified after each task reaches a terminal state.
type Observer interface {
	OnTaskDone(report TaskReport)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(report TaskReport)

func (f ObserverFunc) OnTaskDone(report TaskReport) { f(report) }

// Result is the outcome of one Run.
type Result struct {
	States    map[string]State
	Order     []string
	Durations map[string]time.Duration
	Duration  time.Duration
}

// State returns the final state of name, or pending if it never ran.
func (r *Result) State(name string) State {
	if s, ok := r.States[name]; ok {
		return s
	}
	return StatePending
}

// Ran lists tasks that actually executed, in start order.
func (r *Result) Ran() []string {
	return r.Order
}

// Executor runs a validated graph.
type Executor struct {
	graph *Graph

	mu        sync.RWMutex
	observers []Observer
}

// NewExecutor validates g and returns an executor for it.
func NewExecutor(g *Graph) (*Executor, error) {
	if g == nil {
		return nil, errors.NewInternalError(errors.ErrCodeGraphInvalid, "nil graph", nil)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	return &Executor{graph: g}, nil
}

// AddObserver registers an observer for task completions.
func (e *Executor) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

type outcome struct {
	name     string
	err      error
	duration time.Duration
}

// Run executes every task once. Independent ready tasks start concurrently.
// After the first failure no further task is started; tasks already running
// are allowed to finish and the first failure is returned. Cancelling ctx
// has the same effect.
func (e *Executor) Run(ctx context.Context, mode config.BuildMode) (*Result, error) {
	start := time.Now()
	order, err := e.graph.Order()
	if err != nil {
		return nil, err
	}

	result := &Result{
		States:    make(map[string]State, len(order)),
		Order:     make([]string, 0, len(order)),
		Durations: make(map[string]time.Duration, len(order)),
	}
	for _, name := range order {
		result.States[name] = StatePending
	}

	done := make(chan outcome)
	inFlight := 0
	var firstErr error

	ready := func(name string) bool {
		for _, dep := range e.graph.tasks[name].DependsOn {
			if !result.States[dep].satisfied() {
				return false
			}
		}
		return true
	}

	// schedule starts every ready task. Skipping a gated task may make its
	// dependents ready, so it loops until nothing changes.
	schedule := func() {
		for changed := true; changed; {
			changed = false
			for _, name := range order {
				if result.States[name] != StatePending || !ready(name) {
					continue
				}

				task := e.graph.tasks[name]
				if task.Gate == GateProduction && mode != config.ModeProduction {
					result.States[name] = StateSkipped
					e.notify(TaskReport{Name: name, State: StateSkipped})
					changed = true
					continue
				}

				result.States[name] = StateRunning
				result.Order = append(result.Order, name)
				inFlight++
				go func() {
					began := time.Now()
					err := runTask(ctx, task)
					done <- outcome{name: task.Name, err: err, duration: time.Since(began)}
				}()
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("build cancelled: %w", err)
	}

	schedule()
	for inFlight > 0 {
		out := <-done
		inFlight--
		result.Durations[out.name] = out.duration

		if out.err != nil {
			result.States[out.name] = StateFailed
			if firstErr == nil {
				firstErr = out.err
			}
		} else {
			result.States[out.name] = StateCompleted
		}
		e.notify(TaskReport{Name: out.name, State: result.States[out.name], Duration: out.duration, Err: out.err})

		if firstErr == nil && ctx.Err() == nil {
			schedule()
		}
	}
	result.Duration = time.Since(start)

	if firstErr != nil {
		return result, firstErr
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("build cancelled: %w", err)
	}

	return result, nil
}

func (e *Executor) notify(report TaskReport) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, o := range e.observers {
		o.OnTaskDone(report)
	}
}

// runTask runs one task, turning a panic into that task's failure.
func runTask(ctx context.Context, task Task) error {
	var pc panics.Catcher
	var err error
	pc.Try(func() { err = task.Run(ctx) })

	if r := pc.Recovered(); r != nil {
		return &errors.PipelineError{
			Kind:    errors.KindTransform,
			Code:    errors.ErrCodeTaskPanicked,
			Task:    task.Name,
			Message: "task panicked",
			Cause:   r.AsError(),
		}
	}
	if err != nil {
		return errors.NewTransformError(task.Name, "task failed", err)
	}

	return nil
}
