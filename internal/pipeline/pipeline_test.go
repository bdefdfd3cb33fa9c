package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/graph"
	"github.com/conneroisu/sitepipe/internal/hasher"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/metrics"
	"github.com/conneroisu/sitepipe/internal/reload"
	"github.com/conneroisu/sitepipe/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexPage = `<!DOCTYPE html>
<html>
<head><title>Home</title><link rel="stylesheet" href="index.css"></head>
<body>
<include src="header.html"></include>
<p data-typo>Say "hi"</p>
<script src="app.js"></script>
</body>
</html>`

// newSite lays out a small project and returns its root.
func newSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	testutils.WriteFile(t, filepath.Join(root, "src", "pages", "index.html"), indexPage)
	testutils.WriteFile(t, filepath.Join(root, "src", "pages", "docs", "guide.html"), `<html><body><include src="header.html"></include><script src="/app.js"></script></body></html>`)
	testutils.WriteFile(t, filepath.Join(root, "src", "partials", "header.html"), `<header>Site</header>`)
	testutils.WriteFile(t, filepath.Join(root, "src", "sass", "index.scss"), "@import 'base';\n$brand: #c00;\nh1 { color: $brand; }\n")
	testutils.WriteFile(t, filepath.Join(root, "src", "sass", "_base.scss"), "body { margin: 0; }\n")
	testutils.WriteFile(t, filepath.Join(root, "src", "js", "app.js"), "//= require util\nrun();\n")
	testutils.WriteFile(t, filepath.Join(root, "src", "js", "util.js"), "function run() { return 1; }\n")
	return root
}

func buildConfig(t *testing.T, root string, mode config.BuildMode) config.BuildConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.Root = root
	bc, err := cfg.BuildConfig(mode)
	require.NoError(t, err)
	bc.ServerAddr = "127.0.0.1:0"
	bc.Debounce = 30 * time.Millisecond
	return bc
}

func newPipeline(t *testing.T, root string, mode config.BuildMode, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(buildConfig(t, root, mode), opts...)
	require.NoError(t, err)
	return p
}

func TestBuildDevelopment(t *testing.T) {
	root := newSite(t)
	p := newPipeline(t, root, config.ModeDevelopment)

	report, err := p.Build(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.BuildID)

	assert.Equal(t, graph.StateSkipped, report.Result.State(TaskInline))
	assert.Equal(t, graph.StateSkipped, report.Result.State(TaskCleanup))
	assert.Equal(t, graph.StateCompleted, report.Result.State(TaskHash))
	assert.Equal(t, []string{"docs/guide.html", "index.html"}, report.Outputs["html"])

	store := p.Store()
	for _, f := range []string{"index.html", "docs/guide.html", "app.js", "app-min.js", "index.css"} {
		assert.True(t, store.Exists(f), f)
	}

	appJS, err := store.ReadFile("app.js")
	require.NoError(t, err)
	assert.Contains(t, string(appJS), "function run()")

	css, err := store.ReadFile("index.css")
	require.NoError(t, err)
	assert.Contains(t, string(css), "#c00")
	assert.Contains(t, string(css), "margin:0")

	h := hasher.New(store, "", 0, nil)
	index, err := store.ReadFile("index.html")
	require.NoError(t, err)
	assert.Contains(t, string(index), `src="app.js?v=`+h.Fingerprint(appJS)+`"`)
	assert.Contains(t, string(index), `href="index.css?v=`+h.Fingerprint(css)+`"`)
	assert.Contains(t, string(index), "<header>Site</header>")
	assert.Contains(t, string(index), "«hi»")

	guide, err := store.ReadFile("docs/guide.html")
	require.NoError(t, err)
	assert.Contains(t, string(guide), `src="/app.js?v=`+h.Fingerprint(appJS)+`"`)
	assert.Len(t, report.Hashed, 3)
}

func TestBuildIsIdempotent(t *testing.T) {
	root := newSite(t)

	for _, mode := range []config.BuildMode{config.ModeDevelopment, config.ModeProduction} {
		t.Run(mode.String(), func(t *testing.T) {
			p := newPipeline(t, root, mode)

			_, err := p.Build(context.Background())
			require.NoError(t, err)
			first, err := p.Store().Snapshot()
			require.NoError(t, err)

			_, err = p.Build(context.Background())
			require.NoError(t, err)
			second, err := p.Store().Snapshot()
			require.NoError(t, err)

			assert.Equal(t, first, second)
		})
	}
}

func TestBuildProductionInlinesAndRemovesAssets(t *testing.T) {
	root := newSite(t)
	p := newPipeline(t, root, config.ModeProduction)

	report, err := p.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, graph.StateCompleted, report.Result.State(TaskInline))
	assert.Equal(t, graph.StateCompleted, report.Result.State(TaskCleanup))
	assert.Equal(t, []string{"app.js", "index.css"}, report.Inlined)
	assert.Equal(t, []string{"app-min.js", "app.js", "index.css"}, report.Removed)
	assert.Empty(t, report.Hashed)

	store := p.Store()
	for _, f := range []string{"app.js", "app-min.js", "index.css"} {
		assert.False(t, store.Exists(f), f)
	}

	index, err := store.ReadFile("index.html")
	require.NoError(t, err)
	out := string(index)
	assert.Contains(t, out, "<style>")
	assert.Contains(t, out, "#c00")
	assert.Contains(t, out, "function run()")
	assert.NotContains(t, out, `src="app.js`)
	assert.NotContains(t, out, `href="index.css`)
}

func TestBuildProductionKeepsOptedOutReference(t *testing.T) {
	root := newSite(t)
	testutils.WriteFile(t, filepath.Join(root, "src", "pages", "index.html"),
		`<html><body><script src="app.js" data-no-inline></script></body></html>`)
	p := newPipeline(t, root, config.ModeProduction)

	report, err := p.Build(context.Background())
	require.NoError(t, err)

	// the guide page inlines app.js, but index.html still loads it
	assert.Contains(t, report.Inlined, "app.js")
	assert.NotContains(t, report.Removed, "app.js")
	assert.True(t, p.Store().Exists("app.js"))
	assert.False(t, p.Store().Exists("app-min.js"))

	index, err := p.Store().ReadFile("index.html")
	require.NoError(t, err)
	assert.Contains(t, string(index), `src="app.js?v=`)
	require.Len(t, report.Hashed, 1)
	assert.Equal(t, "app.js", report.Hashed[0].Path)
}

func TestBuildProductionInlinesListedPagesOnly(t *testing.T) {
	root := newSite(t)
	bc := buildConfig(t, root, config.ModeProduction)
	bc.InlinePages = []string{"index.html"}
	p, err := New(bc)
	require.NoError(t, err)

	report, err := p.Build(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"app.js", "index.css"}, report.Inlined)
	assert.Equal(t, []string{"app-min.js", "index.css"}, report.Removed)
	assert.True(t, p.Store().Exists("app.js"))

	index, err := p.Store().ReadFile("index.html")
	require.NoError(t, err)
	assert.Contains(t, string(index), "function run()")

	guide, err := p.Store().ReadFile("docs/guide.html")
	require.NoError(t, err)
	assert.Contains(t, string(guide), "app.js?v=")
	assert.NotContains(t, string(guide), "function run()")
}

func TestBuildProductionMissingInlineTarget(t *testing.T) {
	root := newSite(t)
	testutils.WriteFile(t, filepath.Join(root, "src", "pages", "broken.html"), `<html><body><script src="missing.js"></script></body></html>`)
	p := newPipeline(t, root, config.ModeProduction)

	report, err := p.Build(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindReference))
	assert.Equal(t, TaskInline, errors.TaskOf(err))
	assert.Equal(t, graph.StateFailed, report.Result.State(TaskInline))
	assert.Equal(t, graph.StatePending, report.Result.State(TaskCleanup))
	assert.Equal(t, graph.StatePending, report.Result.State(TaskHash))
}

func TestBuildDevelopmentIgnoresMissingReference(t *testing.T) {
	root := newSite(t)
	testutils.WriteFile(t, filepath.Join(root, "src", "pages", "broken.html"), `<html><body><script src="missing.js"></script></body></html>`)
	p := newPipeline(t, root, config.ModeDevelopment)

	_, err := p.Build(context.Background())
	require.NoError(t, err)

	broken, err := p.Store().ReadFile("broken.html")
	require.NoError(t, err)
	assert.Contains(t, string(broken), `src="missing.js"`)
}

func TestBuildTransformFailure(t *testing.T) {
	root := newSite(t)
	require.NoError(t, os.Remove(filepath.Join(root, "src", "sass", "index.scss")))

	reg := metrics.NewPrometheusRecorder(nil)
	p := newPipeline(t, root, config.ModeDevelopment, WithMetrics(reg))

	report, err := p.Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, "styles", errors.TaskOf(err))
	assert.True(t, errors.IsKind(err, errors.KindTransform))
	assert.True(t, errors.Fatal(err))
	assert.Equal(t, graph.StateFailed, report.Result.State("styles"))
	assert.Equal(t, graph.StatePending, report.Result.State(TaskHash))

	mfs, err := reg.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "sitepipe_build_outcomes_total" {
			found = true
			assert.Equal(t, "failed", mf.GetMetric()[0].GetLabel()[1].GetValue())
		}
	}
	assert.True(t, found)
}

func TestBuildRemovesStaleArtifacts(t *testing.T) {
	root := newSite(t)
	p := newPipeline(t, root, config.ModeDevelopment)
	testutils.WriteFile(t, filepath.Join(root, "dist", "old", "stale.html"), "<p>old</p>")

	_, err := p.Build(context.Background())
	require.NoError(t, err)
	assert.False(t, p.Store().Exists("old/stale.html"))
}

func TestBuildCancelled(t *testing.T) {
	root := newSite(t)
	p := newPipeline(t, root, config.ModeDevelopment)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Build(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRebuildPublishesReload(t *testing.T) {
	root := newSite(t)
	p := newPipeline(t, root, config.ModeDevelopment)
	_, err := p.Build(context.Background())
	require.NoError(t, err)

	sub := p.Hub().Subscribe()
	defer sub.Close()

	testutils.WriteFile(t, filepath.Join(root, "src", "js", "util.js"), "function run() { return 2; }\n")
	require.NoError(t, p.Rebuild(context.Background(), "scripts"))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, reload.EventReload, ev.Type)
		assert.Equal(t, "scripts", ev.Task)
		assert.NotEmpty(t, ev.BuildID)
	case <-time.After(time.Second):
		t.Fatal("no reload published")
	}

	appJS, err := p.Store().ReadFile("app.js")
	require.NoError(t, err)
	assert.Contains(t, string(appJS), "return 2")

	// incremental rebuilds never clean or rehash
	assert.True(t, p.Store().Exists("index.css"))
	index, err := p.Store().ReadFile("index.html")
	require.NoError(t, err)
	assert.Contains(t, string(index), "app.js?v=")

	err = p.Rebuild(context.Background(), "hash")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInternal))
}

func TestRebuildFailurePublishesBuildError(t *testing.T) {
	root := newSite(t)
	p := newPipeline(t, root, config.ModeDevelopment)
	_, err := p.Build(context.Background())
	require.NoError(t, err)

	sub := p.Hub().Subscribe()
	defer sub.Close()

	testutils.WriteFile(t, filepath.Join(root, "src", "js", "app.js"), "//= require nowhere\n")
	err = p.Rebuild(context.Background(), "scripts")
	require.Error(t, err)
	assert.Equal(t, "scripts", errors.TaskOf(err))
	assert.Equal(t, []string{"scripts"}, p.Failing())

	ev := <-sub.Events()
	assert.Equal(t, reload.EventBuildError, ev.Type)
	assert.NotEmpty(t, ev.Message)

	testutils.WriteFile(t, filepath.Join(root, "src", "js", "app.js"), "run();\n")
	require.NoError(t, p.Rebuild(context.Background(), "scripts"))
	assert.Empty(t, p.Failing())
}

// logEntries decodes one JSON log line per entry.
func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func findEntry(entries []map[string]interface{}, msg string) map[string]interface{} {
	for _, entry := range entries {
		if entry["msg"] == msg {
			return entry
		}
	}
	return nil
}

func TestRebuildLogsOperation(t *testing.T) {
	root := newSite(t)
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LevelDebug, Format: "json", Output: &buf})
	p := newPipeline(t, root, config.ModeDevelopment, WithLogger(logger))

	registered := findEntry(logEntries(t, &buf), "Transforms registered")
	require.NotNil(t, registered)
	assert.Equal(t, []interface{}{"html", "scripts", "styles"}, registered["transforms"])

	_, err := p.Build(context.Background())
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, p.Rebuild(context.Background(), "styles"))
	done := findEntry(logEntries(t, &buf), "Operation completed")
	require.NotNil(t, done)
	assert.Equal(t, "rebuild", done["operation"])
	assert.Equal(t, "styles", done["task"])
	assert.Equal(t, "pipeline", done["component"])
	assert.NotEmpty(t, done["build_id"])
	assert.Contains(t, done, "duration_ms")

	buf.Reset()
	testutils.WriteFile(t, filepath.Join(root, "src", "js", "app.js"), "//= require nowhere\n")
	require.Error(t, p.Rebuild(context.Background(), "scripts"))
	failed := findEntry(logEntries(t, &buf), "Operation failed")
	require.NotNil(t, failed)
	assert.Equal(t, "ERROR", failed["level"])
	assert.Equal(t, "scripts", failed["task"])
	assert.NotEmpty(t, failed["error"])
}

func TestBindings(t *testing.T) {
	root := newSite(t)
	p := newPipeline(t, root, config.ModeDevelopment)

	bindings, err := p.Bindings()
	require.NoError(t, err)

	got := make(map[string]string)
	for _, b := range bindings {
		rel, err := filepath.Rel(root, b.Subtree)
		require.NoError(t, err)
		got[filepath.ToSlash(rel)] = b.Task
	}
	assert.Equal(t, map[string]string{
		"src/pages":    "html",
		"src/partials": "html",
		"src/sass":     "styles",
		"src/js":       "scripts",
	}, got)
}

func TestWatchRebuildsOneTaskPerChange(t *testing.T) {
	root := newSite(t)
	p := newPipeline(t, root, config.ModeDevelopment)

	sub := p.Hub().Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()

	select {
	case <-p.Watching():
	case err := <-done:
		t.Fatalf("watch ended early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch never started")
	}
	assert.NotEmpty(t, p.ServerURL())

	// the initial build publishes nothing
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event after initial build: %+v", ev)
	default:
	}

	testutils.WriteFile(t, filepath.Join(root, "src", "js", "util.js"), "function run() { return 3; }\n")

	select {
	case ev := <-sub.Events():
		assert.Equal(t, reload.EventReload, ev.Type)
		assert.Equal(t, "scripts", ev.Task)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after script change")
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected exactly one reload, got another: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	appJS, err := p.Store().ReadFile("app.js")
	require.NoError(t, err)
	assert.Contains(t, string(appJS), "return 3")

	testutils.WriteFile(t, filepath.Join(root, "src", "partials", "header.html"), `<header>Renamed</header>`)
	select {
	case ev := <-sub.Events():
		assert.Equal(t, "html", ev.Task)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after partial change")
	}
	index, err := p.Store().ReadFile("index.html")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(index), "Renamed"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop")
	}

	_, ok := <-sub.Events()
	assert.False(t, ok, "hub is closed when watch ends")
}

func TestWatchAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	root := newSite(t)
	bc := buildConfig(t, root, config.ModeDevelopment)
	bc.ServerAddr = ln.Addr().String()
	p, err := New(bc)
	require.NoError(t, err)

	err = p.Watch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindServerUnavailable))

	_, statErr := os.Stat(filepath.Join(root, "dist", "index.html"))
	assert.True(t, os.IsNotExist(statErr), "nothing is built when the port is taken")
}

func TestWatchInitialBuildFailure(t *testing.T) {
	root := newSite(t)
	require.NoError(t, os.Remove(filepath.Join(root, "src", "js", "app.js")))
	p := newPipeline(t, root, config.ModeDevelopment)

	err := p.Watch(context.Background())
	require.Error(t, err)
	assert.Equal(t, "scripts", errors.TaskOf(err))
}
