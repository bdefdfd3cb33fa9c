package pipeline

import (
	"context"
	"os"
	"sort"

	"github.com/conneroisu/sitepipe/internal/server"
	"github.com/conneroisu/sitepipe/internal/transform"
	"github.com/conneroisu/sitepipe/internal/watcher"
)

// Bindings returns the watch bindings: every source root of a transform
// maps to that transform.
func (p *Pipeline) Bindings() ([]watcher.Binding, error) {
	sets, err := transform.Sources(p.cfg)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)

	var bindings []watcher.Binding
	for _, name := range names {
		for _, set := range sets[name] {
			bindings = append(bindings, watcher.Binding{Subtree: set.Root(), Task: name})
		}
	}

	return bindings, nil
}

// Serve serves the existing artifact tree with the reload channel until ctx
// is cancelled. Nothing is built.
func (p *Pipeline) Serve(ctx context.Context) error {
	srv, err := p.newServer()
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	defer p.hub.Close()

	return srv.Serve(ctx)
}

// Watch binds the dev server, runs one full build, then rebuilds single
// transforms on source changes until ctx is cancelled. A bound port or a
// failing initial build ends the session before watching starts.
func (p *Pipeline) Watch(ctx context.Context) error {
	srv, err := p.newServer()
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	defer p.hub.Close()

	report, err := p.Build(ctx)
	if err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}
	srv.SetBuildStatus(report.BuildID, "", nil)

	p.mu.Lock()
	p.server = srv
	p.mu.Unlock()

	bindings, err := p.Bindings()
	if err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}

	router, err := watcher.NewRouter(ctx, bindings, p.Rebuild, nil, p.logger)
	if err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}

	fw, err := watcher.NewFileWatcher(p.cfg.Debounce, p.logger)
	if err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}
	defer fw.Stop()

	fw.AddFilter(watcher.NoGitFilter)
	fw.AddFilter(watcher.NoEditorTempFilter)
	fw.AddHandler(router.HandleEvents)

	for _, b := range bindings {
		if _, err := os.Stat(b.Subtree); err != nil {
			p.logger.Warn(ctx, err, "Skipping missing source tree", "path", b.Subtree, "task", b.Task)
			continue
		}
		if err := fw.AddRecursive(b.Subtree); err != nil {
			_ = srv.Shutdown(context.Background())
			return err
		}
	}

	if err := fw.Start(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}
	p.logger.Info(ctx, "Watching for changes", "trees", len(bindings), "url", srv.URL())
	p.watchingOnce.Do(func() { close(p.watching) })

	err = srv.Serve(ctx)
	router.Wait()

	return err
}

func (p *Pipeline) newServer() (*server.Server, error) {
	return server.New(server.Options{
		Addr:    p.cfg.ServerAddr,
		Root:    p.store.Root(),
		Hub:     p.hub,
		Metrics: p.prom,
		Logger:  p.logger,
	})
}
