// Package telemetry exposes the bot's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeFlagged = "flagged"
	OutcomeClean   = "clean"
)

// Metrics groups the collectors registered by the bot.
type Metrics struct {
	registry    *prometheus.Registry
	commands    *prometheus.CounterVec
	completions *prometheus.HistogramVec
	moderation  *prometheus.CounterVec
	lines       *prometheus.CounterVec
	dropped     prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tavern",
			Name:      "commands_total",
			Help:      "Commands handled, by kind.",
		}, []string{"kind"}),
		completions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tavern",
			Name:      "completion_duration_seconds",
			Help:      "Completion latency, by provider, model and outcome.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 180},
		}, []string{"provider", "model", "outcome"}),
		moderation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tavern",
			Name:      "moderation_checks_total",
			Help:      "Moderation checks, by outcome.",
		}, []string{"outcome"}),
		lines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tavern",
			Name:      "lines_sent_total",
			Help:      "IRC lines sent, by command.",
		}, []string{"command"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tavern",
			Name:      "queue_dropped_total",
			Help:      "Jobs dropped because a participant queue was full.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands, m.completions, m.moderation, m.lines, m.dropped,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Command(kind string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind).Inc()
}

func (m *Metrics) Completion(provider, model, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(provider, model, outcome).Observe(took.Seconds())
}

func (m *Metrics) Moderation(outcome string) {
	if m == nil {
		return
	}
	m.moderation.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Lines(command string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.lines.WithLabelValues(command).Add(float64(n))
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
