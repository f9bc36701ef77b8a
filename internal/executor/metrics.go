package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentdesk_executor_runs_total",
		Help: "Executor runs by outcome.",
	}, []string{"outcome"})

	providerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentdesk_provider_request_duration_seconds",
		Help:    "Completion provider call latency.",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"provider"})

	iterationsHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentdesk_executor_iterations",
		Help:    "Provider round trips per executor run.",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})
)
