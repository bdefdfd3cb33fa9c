package metrics

import (
	"net/http"
	"time"

	"github.com/conneroisu/sitepipe/internal/graph"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitepipe"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	registry      *prom.Registry
	taskDuration  *prom.HistogramVec
	taskResults   *prom.CounterVec
	buildDuration *prom.HistogramVec
	buildOutcome  *prom.CounterVec
	rebuilds      *prom.CounterVec
	reloads       prom.Counter
	reloadClients prom.Gauge
}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}

	pr := &PrometheusRecorder{
		registry: reg,
		taskDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of individual pipeline tasks",
			Buckets:   prom.DefBuckets,
		}, []string{"task"}),
		taskResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_results_total",
			Help:      "Task results by final state",
		}, []string{"task", "state"}),
		buildDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   prom.DefBuckets,
		}, []string{"mode"}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by mode and result",
		}, []string{"mode", "outcome"}),
		rebuilds: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "watch_rebuilds_total",
			Help:      "Watch-mode rebuilds by task and result",
		}, []string{"task", "result"}),
		reloads: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Reload notifications published",
		}),
		reloadClients: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "reload_clients",
			Help:      "Clients that received the last reload notification",
		}),
	}
	reg.MustRegister(pr.taskDuration, pr.taskResults, pr.buildDuration, pr.buildOutcome, pr.rebuilds, pr.reloads, pr.reloadClients)

	return pr
}

// Registry returns the registry the metrics live in.
func (p *PrometheusRecorder) Registry() *prom.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	if p == nil || p.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) OnTaskDone(report graph.TaskReport) {
	if p == nil || p.taskResults == nil {
		return
	}
	p.taskResults.WithLabelValues(report.Name, string(report.State)).Inc()
	if report.State != graph.StateSkipped {
		p.taskDuration.WithLabelValues(report.Name).Observe(report.Duration.Seconds())
	}
}

func (p *PrometheusRecorder) ObserveBuild(mode string, d time.Duration, outcome Outcome) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.WithLabelValues(mode).Observe(d.Seconds())
	p.buildOutcome.WithLabelValues(mode, string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncRebuild(task string, success bool) {
	if p == nil || p.rebuilds == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.rebuilds.WithLabelValues(task, res).Inc()
}

func (p *PrometheusRecorder) IncReload(delivered int) {
	if p == nil || p.reloads == nil {
		return
	}
	p.reloads.Inc()
	p.reloadClients.Set(float64(delivered))
}
