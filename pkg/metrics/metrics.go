// Package metrics exposes Prometheus collectors for flow runs. Metrics is a
// core.EventSink: it derives its counters from the run's event stream.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devicelab-dev/webflow-runner/pkg/core"
)

// Metrics holds the run collectors.
type Metrics struct {
	Runs              *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	Steps             *prometheus.CounterVec
	Recoveries        *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	SnapshotFallbacks prometheus.Counter
	OnceSkips         prometheus.Counter
}

// New registers the collectors with reg; nil means the default registerer.
// Registering twice on the same registerer panics, as promauto does.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webflow_runs_total",
				Help: "Total number of flow runs by execution mode and final status",
			},
			[]string{"mode", "status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webflow_run_duration_seconds",
				Help:    "Flow run duration in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),
		Steps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webflow_steps_total",
				Help: "Total number of steps by final status",
			},
			[]string{"status"},
		),
		Recoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webflow_auth_recoveries_total",
				Help: "Auth recoveries by outcome (success, failure, exhausted)",
			},
			[]string{"outcome"},
		),
		AuthFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webflow_auth_failures_total",
				Help: "Responses classified as auth failures",
			},
		),
		SnapshotFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webflow_snapshot_fallbacks_total",
				Help: "HTTP-first runs demoted to browser execution",
			},
		),
		OnceSkips: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webflow_once_skips_total",
				Help: "Steps skipped because their once output was cached",
			},
		),
	}
}

// SnapshotFallback counts one demotion from HTTP to browser mode.
func (m *Metrics) SnapshotFallback() {
	if m == nil {
		return
	}
	m.SnapshotFallbacks.Inc()
}

// Emit updates the collectors from one run event.
func (m *Metrics) Emit(e core.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case core.EventRunFinished:
		mode := str(e.Data, "mode")
		m.Runs.WithLabelValues(mode, str(e.Data, "status")).Inc()
		if ms, ok := e.Data["durationMs"].(int64); ok {
			m.RunDuration.WithLabelValues(mode).Observe((time.Duration(ms) * time.Millisecond).Seconds())
		}
	case core.EventStepFinished:
		m.Steps.WithLabelValues(str(e.Data, "status")).Inc()
	case core.EventStepSkipped:
		m.Steps.WithLabelValues(core.StatusSkipped.String()).Inc()
		if str(e.Data, "reason") == "once" {
			m.OnceSkips.Inc()
		}
	case core.EventAuthFailureDetected:
		m.AuthFailures.Inc()
	case core.EventAuthRecoveryFinished:
		outcome := "failure"
		if ok, _ := e.Data["success"].(bool); ok {
			outcome = "success"
		}
		m.Recoveries.WithLabelValues(outcome).Inc()
	case core.EventAuthRecoveryExhaust:
		m.Recoveries.WithLabelValues("exhausted").Inc()
	}
}

// WriteTextfile writes every metric gathered by g to path in the text
// exposition format, for node exporter's textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return prometheus.WriteToTextfile(path, g)
}

func str(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return "unknown"
}

var _ core.EventSink = (*Metrics)(nil)
