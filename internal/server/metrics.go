package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests      *prometheus.CounterVec
	agentRuns     *prometheus.CounterVec
	modelCalls    *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	agentDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_http_requests_total",
			Help: "HTTP requests by endpoint and status class.",
		}, []string{"endpoint", "status"}),
		agentRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_agent_runs_total",
			Help: "Agent executions by outcome.",
		}, []string{"outcome"}),
		modelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_model_calls_total",
			Help: "Direct chat completions by model.",
		}, []string{"model"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Tool executions by tool name.",
		}, []string{"tool"}),
		agentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_agent_duration_seconds",
			Help:    "Wall time of agent executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}
