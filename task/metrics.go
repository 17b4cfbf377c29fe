package task

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksLaunched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sam3web",
		Subsystem: "scheduler",
		Name:      "tasks_launched_total",
		Help:      "Tasks handed to the remote submission interface, retries included.",
	})

	tasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sam3web",
		Subsystem: "scheduler",
		Name:      "tasks_inflight",
		Help:      "Tasks currently waiting on the remote service.",
	})

	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sam3web",
		Subsystem: "scheduler",
		Name:      "task_outcomes_total",
		Help:      "Settled tasks by terminal status.",
	}, []string{"status"})

	taskRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sam3web",
		Subsystem: "scheduler",
		Name:      "rate_limited_total",
		Help:      "Tasks rejected by the remote service with too-many-requests.",
	})

	taskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sam3web",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Remote submission round trip, polling included.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	batchesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sam3web",
		Subsystem: "history",
		Name:      "batches_persisted_total",
		Help:      "Batch records appended to the history log.",
	})
)
