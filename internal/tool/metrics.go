package tool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentdesk_tool_calls_total",
			Help: "Tool executions by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	toolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentdesk_tool_duration_seconds",
			Help:    "Tool execution latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
)
