package graph

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder tracks the order in which tasks finish.
type recorder struct {
	mu       sync.Mutex
	finished []string
}

func (r *recorder) run(name string) func(context.Context) error {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.finished = append(r.finished, name)
		return nil
	}
}

func (r *recorder) index(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.finished {
		if n == name {
			return i
		}
	}
	return -1
}

func TestExecutorDevelopmentSkipsProductionTasks(t *testing.T) {
	rec := &recorder{}
	exec, err := NewExecutor(buildTopology(rec.run))
	require.NoError(t, err)

	result, err := exec.Run(context.Background(), config.ModeDevelopment)
	require.NoError(t, err)

	assert.Equal(t, StateSkipped, result.State("inline"))
	assert.Equal(t, StateSkipped, result.State("cleanup"))
	assert.Equal(t, StateCompleted, result.State("hash"))
	assert.NotContains(t, result.Ran(), "inline")
	assert.Equal(t, -1, rec.index("inline"))
	assert.Len(t, rec.finished, 5)
}

func TestExecutorProductionRunsEveryTask(t *testing.T) {
	rec := &recorder{}
	exec, err := NewExecutor(buildTopology(rec.run))
	require.NoError(t, err)

	result, err := exec.Run(context.Background(), config.ModeProduction)
	require.NoError(t, err)

	for _, name := range []string{"clean", "html", "scripts", "styles", "inline", "cleanup", "hash"} {
		assert.Equal(t, StateCompleted, result.State(name), name)
	}
	assert.Equal(t, "clean", result.Order[0])
	assert.Equal(t, []string{"inline", "cleanup", "hash"}, result.Order[4:])

	for _, transform := range []string{"html", "scripts", "styles"} {
		assert.Less(t, rec.index("clean"), rec.index(transform))
		assert.Less(t, rec.index(transform), rec.index("inline"))
		assert.Less(t, rec.index(transform), rec.index("hash"))
	}
	assert.Less(t, rec.index("inline"), rec.index("cleanup"))
	assert.Less(t, rec.index("cleanup"), rec.index("hash"))
}

func TestExecutorRunsIndependentTasksConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(3)
	barrier := make(chan struct{})
	go func() {
		arrived.Wait()
		close(barrier)
	}()

	run := func(name string) func(context.Context) error {
		switch name {
		case "html", "scripts", "styles":
			return func(context.Context) error {
				arrived.Done()
				select {
				case <-barrier:
					return nil
				case <-time.After(5 * time.Second):
					return fmt.Errorf("%s never saw its siblings start", name)
				}
			}
		}
		return nop
	}

	exec, err := NewExecutor(buildTopology(run))
	require.NoError(t, err)
	_, err = exec.Run(context.Background(), config.ModeDevelopment)
	require.NoError(t, err)
}

func TestExecutorStopsSchedulingAfterFailure(t *testing.T) {
	var htmlFinished atomic.Bool
	boom := stderrors.New("syntax error in app.js")

	run := func(name string) func(context.Context) error {
		switch name {
		case "scripts":
			return func(context.Context) error { return boom }
		case "html":
			return func(context.Context) error {
				time.Sleep(50 * time.Millisecond)
				htmlFinished.Store(true)
				return nil
			}
		}
		return nop
	}

	exec, err := NewExecutor(buildTopology(run))
	require.NoError(t, err)

	result, err := exec.Run(context.Background(), config.ModeProduction)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, errors.IsKind(err, errors.KindTransform))
	assert.Equal(t, "scripts", errors.TaskOf(err))

	assert.True(t, htmlFinished.Load(), "in-flight tasks finish before Run returns")
	assert.Equal(t, StateFailed, result.State("scripts"))
	assert.Equal(t, StateCompleted, result.State("html"))
	assert.Equal(t, StatePending, result.State("inline"))
	assert.Equal(t, StatePending, result.State("hash"))
	assert.NotContains(t, result.Ran(), "hash")
}

func TestExecutorCatchesPanics(t *testing.T) {
	run := func(name string) func(context.Context) error {
		if name == "styles" {
			return func(context.Context) error { panic("bad import") }
		}
		return nop
	}

	exec, err := NewExecutor(buildTopology(run))
	require.NoError(t, err)

	result, err := exec.Run(context.Background(), config.ModeDevelopment)
	require.Error(t, err)

	var pe *errors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, errors.ErrCodeTaskPanicked, pe.Code)
	assert.Equal(t, "styles", pe.Task)
	assert.Contains(t, err.Error(), "bad import")
	assert.Equal(t, StateFailed, result.State("styles"))
}

func TestExecutorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := func(name string) func(context.Context) error {
		if name == "clean" {
			return func(context.Context) error {
				cancel()
				return nil
			}
		}
		return nop
	}

	exec, err := NewExecutor(buildTopology(run))
	require.NoError(t, err)

	result, err := exec.Run(ctx, config.ModeDevelopment)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"clean"}, result.Ran())
	assert.Equal(t, StatePending, result.State("html"))
}

func TestExecutorObservers(t *testing.T) {
	var mu sync.Mutex
	reports := make(map[string]TaskReport)

	exec, err := NewExecutor(buildTopology(func(string) func(context.Context) error { return nop }))
	require.NoError(t, err)
	exec.AddObserver(ObserverFunc(func(r TaskReport) {
		mu.Lock()
		defer mu.Unlock()
		reports[r.Name] = r
	}))

	_, err = exec.Run(context.Background(), config.ModeDevelopment)
	require.NoError(t, err)

	assert.Len(t, reports, 7)
	assert.Equal(t, StateSkipped, reports["inline"].State)
	assert.Equal(t, StateCompleted, reports["hash"].State)
	assert.NoError(t, reports["hash"].Err)
}

func TestExecutorReusable(t *testing.T) {
	var runs atomic.Int32
	exec, err := NewExecutor(buildTopology(func(string) func(context.Context) error {
		return func(context.Context) error {
			runs.Add(1)
			return nil
		}
	}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := exec.Run(context.Background(), config.ModeDevelopment)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(15), runs.Load())
}

func TestNewExecutorRejectsInvalidGraph(t *testing.T) {
	_, err := NewExecutor(nil)
	assert.Error(t, err)

	g := New()
	g.MustAdd(Task{Name: "html", Run: nop, DependsOn: []string{"clean"}})
	_, err = NewExecutor(g)
	assert.Error(t, err)
}
