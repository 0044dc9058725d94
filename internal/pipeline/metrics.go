package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gitfix_pipeline_task_duration_seconds",
		Help:    "End-to-end task processing time by task type.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	}, []string{"type"})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitfix_pipeline_tasks_finished_total",
		Help: "Tasks reaching a terminal state, by task type and state.",
	}, []string{"type", "state"})

	agentRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gitfix_pipeline_agent_runs_total",
		Help: "Agent executions by outcome.",
	}, []string{"outcome"})

	prValidationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gitfix_pipeline_pr_validation_retries_total",
		Help: "Emergency agent retries triggered by a missing pull request.",
	})
)
