// Package metrics exposes Prometheus collectors for the page reactors.
// All methods are nil-safe so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the webtex collectors.
type Metrics struct {
	Batches        *prometheus.CounterVec
	Tasks          *prometheus.CounterVec
	Renders        *prometheus.CounterVec
	Expressions    prometheus.Counter
	EngineFailures prometheus.Counter
	RenderDuration prometheus.Histogram
	Toggles        *prometheus.CounterVec
	Sessions       prometheus.Gauge
	Queries        *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webtex_batches_total",
			Help: "Change batches classified, by class.",
		}, []string{"class"}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webtex_tasks_total",
			Help: "Render tasks executed, by tier.",
		}, []string{"tier"}),
		Renders: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webtex_renders_total",
			Help: "Render executor calls, by outcome.",
		}, []string{"outcome"}),
		Expressions: f.NewCounter(prometheus.CounterOpts{
			Name: "webtex_expressions_rendered_total",
			Help: "Math expressions produced by the engine.",
		}),
		EngineFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "webtex_engine_failures_total",
			Help: "Engine calls that failed and were retried.",
		}),
		RenderDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "webtex_render_duration_seconds",
			Help:    "Wall time of render executor calls that reached the engine.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		Toggles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webtex_toggles_total",
			Help: "Toggle transitions, by resulting state.",
		}, []string{"state"}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "webtex_sessions",
			Help: "Page sessions currently running.",
		}),
		Queries: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webtex_prefs_query_duration_seconds",
			Help:    "Preference store statements, by op and outcome. Populated with prefs.trace.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"op", "outcome"}),
	}
}

// Batch counts one classified batch.
func (m *Metrics) Batch(class string) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(class).Inc()
}

// Task counts one executed task.
func (m *Metrics) Task(tier string) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(tier).Inc()
}

// Render records one executor call. outcome is "rendered", "error" or a
// skip reason.
func (m *Metrics) Render(outcome string, expressions int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Renders.WithLabelValues(outcome).Inc()
	if outcome == "rendered" {
		m.Expressions.Add(float64(expressions))
		m.RenderDuration.Observe(elapsed.Seconds())
	}
}

// EngineFailure counts one retried engine failure.
func (m *Metrics) EngineFailure() {
	if m == nil {
		return
	}
	m.EngineFailures.Inc()
}

// Toggle counts one transition into state.
func (m *Metrics) Toggle(state string) {
	if m == nil {
		return
	}
	m.Toggles.WithLabelValues(state).Inc()
}

// SessionStarted increments the session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

// SessionEnded decrements the session gauge.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

// Query records one traced preference statement.
func (m *Metrics) Query(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Queries.WithLabelValues(op, outcome).Observe(d.Seconds())
}
