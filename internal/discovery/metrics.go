package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gitfix_discovery_polls_total",
		Help: "Completed discovery poll cycles.",
	})

	issuesEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gitfix_discovery_issues_enqueued_total",
		Help: "Issue jobs enqueued by discovery.",
	})

	followupsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gitfix_discovery_followups_enqueued_total",
		Help: "PR comment follow-up jobs enqueued by discovery.",
	})

	pollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gitfix_discovery_poll_errors_total",
		Help: "Errors encountered during discovery polls.",
	})
)
