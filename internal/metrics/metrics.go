// Package metrics exposes Prometheus instrumentation for sessions, turns and model calls.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/FormPipe/internal/engine"
	"github.com/BTreeMap/FormPipe/internal/genai"
	"github.com/openai/openai-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on its own registry.
type Metrics struct {
	registry          *prometheus.Registry
	sessionsStarted   *prometheus.CounterVec
	sessionsCompleted *prometheus.CounterVec
	turns             *prometheus.CounterVec
	turnDuration      *prometheus.HistogramVec
	modelDuration     *prometheus.HistogramVec
}

// New creates and registers the FormPipe collectors together with the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formpipe_sessions_started_total",
				Help: "Total number of respondent sessions started",
			},
			[]string{"shape", "channel"},
		),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formpipe_sessions_completed_total",
				Help: "Total number of sessions completed",
			},
			[]string{"shape"},
		),
		turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formpipe_turns_total",
				Help: "Total number of processed respondent turns",
			},
			[]string{"shape", "accepted"},
		),
		turnDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formpipe_turn_duration_seconds",
				Help:    "Duration of respondent turns",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"shape"},
		),
		modelDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formpipe_model_call_duration_seconds",
				Help:    "Duration of language model calls",
				Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
			},
			[]string{"op", "outcome"},
		),
	}
	m.registry.MustRegister(
		m.sessionsStarted, m.sessionsCompleted, m.turns, m.turnDuration, m.modelDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hooks returns engine lifecycle hooks that record session and turn metrics.
func (m *Metrics) Hooks() engine.Hooks {
	return engine.Hooks{
		OnSessionStart: func(ctx context.Context, e engine.SessionEvent) {
			channel := e.Channel
			if channel == "" {
				channel = "web"
			}
			m.sessionsStarted.WithLabelValues(string(e.Shape), channel).Inc()
		},
		OnTurn: func(ctx context.Context, e engine.TurnEvent) {
			m.turns.WithLabelValues(string(e.Shape), strconv.FormatBool(e.Accepted)).Inc()
			m.turnDuration.WithLabelValues(string(e.Shape)).Observe(e.Duration.Seconds())
		},
		OnSessionComplete: func(ctx context.Context, e engine.SessionEvent) {
			shape := string(e.Shape)
			if shape == "" {
				shape = "manual"
			}
			m.sessionsCompleted.WithLabelValues(shape).Inc()
		},
	}
}

// InstrumentClient wraps a model client so every call is timed.
func (m *Metrics) InstrumentClient(c genai.ClientInterface) genai.ClientInterface {
	return &instrumentedClient{next: c, hist: m.modelDuration}
}

type instrumentedClient struct {
	next genai.ClientInterface
	hist *prometheus.HistogramVec
}

func (c *instrumentedClient) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.hist.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

func (c *instrumentedClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	start := time.Now()
	out, err := c.next.GenerateWithMessages(ctx, messages)
	c.observe("messages", start, err)
	return out, err
}

func (c *instrumentedClient) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*genai.ToolCallResponse, error) {
	start := time.Now()
	out, err := c.next.GenerateWithTools(ctx, messages, tools)
	c.observe("tools", start, err)
	return out, err
}
