// Package metrics records build, task and reload metrics.
//
// The graph executor reports finished tasks through the Observer hook, the
// orchestrator reports whole builds and the dev server reports reloads. A
// NoopRecorder is used when metrics are not wanted.
package metrics

import (
	"time"

	"github.com/conneroisu/sitepipe/internal/graph"
)

// Outcome labels a finished build.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailed   Outcome = "failed"
	OutcomeCanceled Outcome = "canceled"
)

// Recorder is the set of observability hooks. Implementations must be safe
// for concurrent use.
type Recorder interface {
	graph.Observer
	ObserveBuild(mode string, d time.Duration, outcome Outcome)
	IncRebuild(task string, success bool)
	IncReload(delivered int)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) OnTaskDone(graph.TaskReport)                  {}
func (NoopRecorder) ObserveBuild(string, time.Duration, Outcome) {}
func (NoopRecorder) IncRebuild(string, bool)                      {}
func (NoopRecorder) IncReload(int)                                {}
