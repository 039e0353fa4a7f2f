// Package observability carries the runtime's logging, metrics, and
// tracing plumbing: a redacting slog handler, Prometheus counters fed by
// the agent event stream, an OTLP tracer, and the context keys that tie
// log lines back to runs.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stakpak-dev/runtime/pkg/models"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal   *prometheus.CounterVec
	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	ToolRuns        *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	ProviderRetries prometheus.Counter
	ReplyChunks     prometheus.Counter
	ActiveSessions  prometheus.Gauge
}

// NewMetrics creates and registers the runtime's collectors on a private
// registry, so tests can build as many instances as they like.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto(registry)

	return &Metrics{
		registry: registry,
		MessagesTotal: factory.counterVec("stakpak_messages_total",
			"Messages crossing the gateway, by channel and direction.",
			[]string{"channel", "direction"}),
		RunsTotal: factory.counterVec("stakpak_runs_total",
			"Agent runs, by terminal status.",
			[]string{"status"}),
		RunDuration: factory.histogramVec("stakpak_run_duration_seconds",
			"Agent run wall time.",
			[]string{"status"}),
		ToolRuns: factory.counterVec("stakpak_tool_runs_total",
			"Tool executions, by tool and outcome.",
			[]string{"tool", "status"}),
		ToolDuration: factory.histogramVec("stakpak_tool_duration_seconds",
			"Tool execution wall time.",
			[]string{"tool"}),
		TokensTotal: factory.counterVec("stakpak_tokens_total",
			"Tokens consumed, by direction.",
			[]string{"direction"}),
		ProviderRetries: factory.counter("stakpak_provider_retries_total",
			"Provider requests that were retried."),
		ReplyChunks: factory.counter("stakpak_reply_chunks_total",
			"Outbound reply chunks delivered."),
		ActiveSessions: factory.gauge("stakpak_active_sessions",
			"Sessions with an active run."),
	}
}

// Handler serves the metrics over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Plugin adapts the metrics to the agent runtime's event hook: run
// lifecycle, tool outcomes, and token usage all land as collector
// updates.
func (m *Metrics) Plugin() *MetricsPlugin {
	return &MetricsPlugin{metrics: m, runStart: make(map[string]time.Time)}
}

// MetricsPlugin records agent events into the collectors.
type MetricsPlugin struct {
	metrics  *Metrics
	runStart map[string]time.Time
}

// OnEvent implements the agent plugin hook.
func (p *MetricsPlugin) OnEvent(ctx context.Context, e models.AgentEvent) {
	switch e.Type {
	case models.AgentEventRunStarted:
		p.runStart[e.RunID] = e.Time
		p.metrics.ActiveSessions.Inc()
	case models.AgentEventRunFinished, models.AgentEventRunError,
		models.AgentEventRunCancelled, models.AgentEventRunTimedOut:
		status := string(e.Type)
		p.metrics.RunsTotal.WithLabelValues(status).Inc()
		p.metrics.ActiveSessions.Dec()
		if start, ok := p.runStart[e.RunID]; ok {
			p.metrics.RunDuration.WithLabelValues(status).Observe(e.Time.Sub(start).Seconds())
			delete(p.runStart, e.RunID)
		}
	case models.AgentEventToolFinished:
		if e.Tool != nil {
			status := "success"
			if !e.Tool.Success {
				status = "error"
			}
			p.metrics.ToolRuns.WithLabelValues(e.Tool.Name, status).Inc()
			if e.Tool.Elapsed > 0 {
				p.metrics.ToolDuration.WithLabelValues(e.Tool.Name).Observe(e.Tool.Elapsed.Seconds())
			}
		}
	case models.AgentEventModelCompleted:
		if e.Stream != nil {
			p.metrics.TokensTotal.WithLabelValues("input").Add(float64(e.Stream.InputTokens))
			p.metrics.TokensTotal.WithLabelValues("output").Add(float64(e.Stream.OutputTokens))
		}
	}
}

// promautoFactory registers collectors on construction.
type promautoFactory struct {
	registry *prometheus.Registry
}

func promauto(registry *prometheus.Registry) promautoFactory {
	return promautoFactory{registry: registry}
}

func (f promautoFactory) counterVec(name, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	f.registry.MustRegister(c)
	return c
}

func (f promautoFactory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	f.registry.MustRegister(c)
	return c
}

func (f promautoFactory) histogramVec(name, help string, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help}, labels)
	f.registry.MustRegister(h)
	return h
}

func (f promautoFactory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	f.registry.MustRegister(g)
	return g
}
