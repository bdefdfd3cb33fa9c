package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/sourcegraph/conc"
)

// Binding maps a watched source subtree to the task that rebuilds it.
type Binding struct {
	Subtree string
	Task    string
}

// RebuildFunc reruns a single task.
type RebuildFunc func(ctx context.Context, task string) error

// NotifyFunc is called after a successful rebuild.
type NotifyFunc func(ctx context.Context, task string)

// Router turns change events into rebuilds. Each task has a single-flight
// runner: triggers that arrive while a rebuild is in progress collapse into
// one follow-up run, and two rebuilds of the same task never overlap.
type Router struct {
	bindings []Binding
	rebuild  RebuildFunc
	notify   NotifyFunc
	logger   logging.Logger

	ctx     context.Context
	mu      sync.Mutex
	runners map[string]*runner
	wg      conc.WaitGroup
}

// NewRouter creates a router. Subtrees are made absolute and matched by
// longest prefix.
func NewRouter(ctx context.Context, bindings []Binding, rebuild RebuildFunc, notify NotifyFunc, logger logging.Logger) (*Router, error) {
	if rebuild == nil {
		return nil, fmt.Errorf("router requires a rebuild function")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	bs := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		abs, err := filepath.Abs(b.Subtree)
		if err != nil {
			return nil, fmt.Errorf("resolving subtree %s: %w", b.Subtree, err)
		}
		if b.Task == "" {
			return nil, fmt.Errorf("binding for %s has no task", b.Subtree)
		}
		bs = append(bs, Binding{Subtree: filepath.Clean(abs), Task: b.Task})
	}
	sort.SliceStable(bs, func(i, j int) bool {
		return len(bs[i].Subtree) > len(bs[j].Subtree)
	})

	return &Router{
		bindings: bs,
		rebuild:  rebuild,
		notify:   notify,
		logger:   logger.WithComponent("router"),
		ctx:      ctx,
		runners:  make(map[string]*runner),
	}, nil
}

// Bindings returns the bindings, longest subtree first.
func (r *Router) Bindings() []Binding {
	out := make([]Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// Route finds the binding for path. A path outside every subtree yields a
// WatchBindingMiss error.
func (r *Router) Route(path string) (Binding, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	for _, b := range r.bindings {
		if abs == b.Subtree || strings.HasPrefix(abs, b.Subtree+string(os.PathSeparator)) {
			return b, nil
		}
	}

	return Binding{}, &errors.PipelineError{
		Kind:    errors.KindWatchBindingMiss,
		Code:    errors.ErrCodeNoBindingForEvent,
		Path:    path,
		Message: "no watch binding for path",
	}
}

// HandleEvents is a ChangeHandler. It triggers each affected task once per
// batch. Events outside every binding do not stop the batch; the first miss
// is returned after the routed tasks have been triggered.
func (r *Router) HandleEvents(events []ChangeEvent) error {
	seen := make(map[string]bool)
	var tasks []string
	var miss error
	for _, ev := range events {
		b, err := r.Route(ev.Path)
		if err != nil {
			if miss == nil {
				miss = err
			}
			continue
		}
		if !seen[b.Task] {
			seen[b.Task] = true
			tasks = append(tasks, b.Task)
		}
	}

	for _, task := range tasks {
		r.Trigger(task)
	}

	return miss
}

// Trigger schedules a rebuild of task.
func (r *Router) Trigger(task string) {
	r.mu.Lock()
	run, ok := r.runners[task]
	if !ok {
		run = &runner{task: task}
		r.runners[task] = run
	}
	r.mu.Unlock()

	if run.claim() {
		r.wg.Go(func() { r.loop(run) })
	}
}

// Wait blocks until every triggered rebuild, including follow-ups, has
// finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) loop(run *runner) {
	for {
		r.execute(run.task)
		if !run.next(r.ctx) {
			return
		}
	}
}

func (r *Router) execute(task string) {
	ctx := r.ctx
	r.logger.Info(ctx, "Rebuilding", "task", task)

	if err := r.rebuild(ctx, task); err != nil {
		r.logger.Error(ctx, err, "Rebuild failed", "task", task)
		return
	}
	if r.notify != nil {
		r.notify(ctx, task)
	}
}

// runner tracks whether a task is rebuilding and whether another run is owed.
type runner struct {
	task    string
	mu      sync.Mutex
	running bool
	dirty   bool
}

// claim marks the runner busy and reports whether the caller should start
// the loop. A busy runner only records that another run is owed.
func (r *runner) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.dirty = true
		return false
	}
	r.running = true
	return true
}

// next reports whether another run is owed, releasing the runner if not.
func (r *runner) next(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty || ctx.Err() != nil {
		r.running = false
		r.dirty = false
		return false
	}
	r.dirty = false
	return true
}
