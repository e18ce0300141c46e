package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runboard",
		Name:      "runs_triggered_total",
		Help:      "Runs created by trigger or retry requests.",
	}, []string{"task", "mode"})

	runsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "runboard",
		Name:      "runs_cancelled_total",
		Help:      "Runs cancelled by user request.",
	})

	runsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runboard",
		Name:      "runs_finalized_total",
		Help:      "Deferred runs driven to a terminal status.",
	}, []string{"status"})

	retryRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runboard",
		Name:      "retry_rejections_total",
		Help:      "Retry requests rejected by the attempt accountant.",
	}, []string{"reason"})
)
