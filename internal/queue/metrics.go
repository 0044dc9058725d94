package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gitfix_queue_depth",
			Help: "Number of jobs per queue and state",
		},
		[]string{"queue", "state"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitfix_queue_jobs_total",
			Help: "Jobs processed per queue and outcome",
		},
		[]string{"queue", "outcome"},
	)
)
