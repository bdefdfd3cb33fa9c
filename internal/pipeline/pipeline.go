// Package pipeline wires the transforms, the finishing stages and the dev
// server into the fixed build graph:
//
//	clean -> {html, scripts, styles} -> inline* -> cleanup* -> hash
//
// Stages marked * run only in production builds. Watch mode runs one full
// build, then reruns a single transform per source change and notifies
// connected browsers.
package pipeline

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/conneroisu/sitepipe/internal/artifact"
	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/graph"
	"github.com/conneroisu/sitepipe/internal/hasher"
	"github.com/conneroisu/sitepipe/internal/inliner"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/metrics"
	"github.com/conneroisu/sitepipe/internal/reload"
	"github.com/conneroisu/sitepipe/internal/server"
	"github.com/conneroisu/sitepipe/internal/transform"
	"github.com/google/uuid"
)

// Task names of the finishing stages.
const (
	TaskClean   = "clean"
	TaskInline  = "inline"
	TaskCleanup = "cleanup"
	TaskHash    = "hash"
)

// Pipeline owns one artifact store and the transforms that fill it.
type Pipeline struct {
	cfg      config.BuildConfig
	store    *artifact.Store
	registry *transform.Registry
	hub      *reload.Hub
	recorder metrics.Recorder
	prom     *metrics.PrometheusRecorder
	logger   logging.Logger

	mu       sync.Mutex
	server   *server.Server
	failures map[string]error

	watching     chan struct{}
	watchingOnce sync.Once
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithRegistry replaces the default html, styles and scripts transforms.
func WithRegistry(r *transform.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// WithHub sets the reload hub.
func WithHub(h *reload.Hub) Option {
	return func(p *Pipeline) { p.hub = h }
}

// WithMetrics records into r and exposes it on the dev server.
func WithMetrics(r *metrics.PrometheusRecorder) Option {
	return func(p *Pipeline) {
		p.prom = r
		if r != nil {
			p.recorder = r
		}
	}
}

// Report summarises one full build.
type Report struct {
	BuildID string
	Mode    config.BuildMode
	Result  *graph.Result
	// Outputs lists the artifacts each transform wrote.
	Outputs map[string][]string
	Inlined []string
	Removed []string
	Hashed  []hasher.Record
}

// New creates a pipeline for cfg. The configuration is fixed for the
// pipeline's lifetime.
func New(cfg config.BuildConfig, opts ...Option) (*Pipeline, error) {
	store, err := artifact.NewStore(cfg.Layout.Dist)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:      cfg,
		store:    store,
		recorder: metrics.NoopRecorder{},
		logger:   logging.NewNopLogger(),
		failures: make(map[string]error),
		watching: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.registry == nil {
		if p.registry, err = transform.Defaults(cfg); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{transform.HTML, transform.Scripts, transform.Styles} {
		if _, err := p.registry.Get(name); err != nil {
			return nil, err
		}
	}
	if p.hub == nil {
		p.hub = reload.NewHub(reload.DefaultBuffer)
	}
	p.logger = p.logger.WithComponent("pipeline")
	p.logger.Debug(context.Background(), "Transforms registered", "transforms", p.registry.Names())

	return p, nil
}

// Store returns the artifact store.
func (p *Pipeline) Store() *artifact.Store { return p.store }

// Hub returns the reload hub.
func (p *Pipeline) Hub() *reload.Hub { return p.hub }

// Watching is closed once Watch has finished its initial build and the file
// watcher is running.
func (p *Pipeline) Watching() <-chan struct{} { return p.watching }

// ServerURL returns the dev server URL while Watch is running.
func (p *Pipeline) ServerURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return ""
	}
	return p.server.URL()
}

// Config returns the build configuration.
func (p *Pipeline) Config() config.BuildConfig { return p.cfg }

// Build runs the full graph once. It never publishes reload events.
func (p *Pipeline) Build(ctx context.Context) (*Report, error) {
	report := &Report{
		BuildID: uuid.NewString(),
		Mode:    p.cfg.Mode,
		Outputs: make(map[string][]string),
	}
	logger := p.logger.With("build_id", report.BuildID, "mode", p.cfg.Mode.String())
	logger.Info(ctx, "Build started")

	g, err := p.graph(report, logger)
	if err != nil {
		return report, err
	}
	ex, err := graph.NewExecutor(g)
	if err != nil {
		return report, err
	}
	ex.AddObserver(p.recorder)
	ex.AddObserver(graph.ObserverFunc(func(r graph.TaskReport) {
		switch r.State {
		case graph.StateFailed:
			logger.Error(ctx, r.Err, "Task failed", "task", r.Name, "duration", r.Duration)
		case graph.StateSkipped:
			logger.Debug(ctx, "Task skipped", "task", r.Name)
		default:
			logger.Info(ctx, "Task finished", "task", r.Name, "duration", r.Duration)
		}
	}))

	result, err := ex.Run(ctx, p.cfg.Mode)
	report.Result = result

	var elapsed time.Duration
	if result != nil {
		elapsed = result.Duration
	}
	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil && (stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)):
		outcome = metrics.OutcomeCanceled
	case err != nil:
		outcome = metrics.OutcomeFailed
	}
	p.recorder.ObserveBuild(p.cfg.Mode.String(), elapsed, outcome)

	if err != nil {
		logger.Error(ctx, err, "Build failed", "task", errors.TaskOf(err))
		return report, err
	}

	p.mu.Lock()
	p.failures = make(map[string]error)
	p.mu.Unlock()

	logger.Info(ctx, "Build finished", "duration", elapsed, "inlined", len(report.Inlined), "hashed", len(report.Hashed))
	return report, nil
}

// graph assembles the fixed build topology. Results are written into report.
func (p *Pipeline) graph(report *Report, logger logging.Logger) (*graph.Graph, error) {
	var mu sync.Mutex
	opts := []inliner.Option{inliner.WithLogger(logger)}
	if len(p.cfg.InlinePages) > 0 {
		opts = append(opts, inliner.WithPages(p.cfg.InlinePages...))
	}
	in := inliner.New(p.store, opts...)

	g := graph.New()
	tasks := []graph.Task{
		{
			Name: TaskClean,
			Run: func(context.Context) error {
				return p.store.Clean()
			},
		},
		{
			Name: TaskInline,
			Run: func(ctx context.Context) error {
				inlined, err := in.Apply(ctx)
				if err != nil {
					return err
				}
				mu.Lock()
				report.Inlined = inlined
				mu.Unlock()
				return nil
			},
			DependsOn: []string{transform.HTML, transform.Scripts, transform.Styles},
			Gate:      graph.GateProduction,
		},
		{
			Name: TaskCleanup,
			Run: func(ctx context.Context) error {
				removed, err := in.Cleanup(ctx, p.cfg.Cleanup)
				if err != nil {
					return err
				}
				mu.Lock()
				report.Removed = removed
				mu.Unlock()
				return nil
			},
			DependsOn: []string{TaskInline},
			Gate:      graph.GateProduction,
		},
		{
			Name: TaskHash,
			Run: func(ctx context.Context) error {
				records, err := hasher.New(p.store, p.cfg.HashQuery, p.cfg.HashLength, logger).Apply(ctx)
				if err != nil {
					return err
				}
				mu.Lock()
				report.Hashed = records
				mu.Unlock()
				return nil
			},
			DependsOn: []string{TaskCleanup},
		},
	}

	for _, name := range []string{transform.HTML, transform.Scripts, transform.Styles} {
		t, err := p.registry.Get(name)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, graph.Task{
			Name: name,
			Run: func(ctx context.Context) error {
				outputs, err := t.Apply(ctx, p.store)
				if err != nil {
					return err
				}
				mu.Lock()
				report.Outputs[t.Name()] = outputs
				mu.Unlock()
				return nil
			},
			DependsOn: []string{TaskClean},
		})
	}

	for _, task := range tasks {
		if err := g.Add(task); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	return g, nil
}

// Rebuild reruns one transform in place, without cleaning the store, and
// publishes a reload on success. A failure publishes a build_error event
// instead and is returned as a TransformFailure.
func (p *Pipeline) Rebuild(ctx context.Context, task string) error {
	t, err := p.registry.Get(task)
	if err != nil {
		return err
	}

	buildID := uuid.NewString()
	op := logging.StartOperation(p.logger.With("build_id", buildID, "task", task), "rebuild")

	outputs, err := t.Apply(ctx, p.store)
	p.recorder.IncRebuild(task, err == nil)
	p.recordRebuild(buildID, task, err)

	if err != nil {
		terr := errors.NewTransformError(task, "rebuild failed", err)
		p.hub.Publish(reload.Event{
			Type:    reload.EventBuildError,
			Task:    task,
			BuildID: buildID,
			Message: err.Error(),
		})
		op.EndWithError(ctx, terr)
		return terr
	}

	delivered := p.hub.Publish(reload.Event{Type: reload.EventReload, Task: task, BuildID: buildID})
	p.recorder.IncReload(delivered)
	op.Info(ctx, "Rebuilt", "outputs", len(outputs), "clients", delivered)
	op.End(ctx)

	return nil
}

// recordRebuild tracks failing tasks and mirrors the worst one to the dev
// server so pages show the error until every task builds again.
func (p *Pipeline) recordRebuild(buildID, task string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.failures[task] = err
	} else {
		delete(p.failures, task)
	}

	if p.server == nil {
		return
	}
	if len(p.failures) == 0 {
		p.server.SetBuildStatus(buildID, task, nil)
		return
	}

	failing := make([]string, 0, len(p.failures))
	for name := range p.failures {
		failing = append(failing, name)
	}
	sort.Strings(failing)
	p.server.SetBuildStatus(buildID, failing[0], p.failures[failing[0]])
}

// Failing returns the tasks whose last rebuild failed, sorted.
func (p *Pipeline) Failing() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.failures))
	for name := range p.failures {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
