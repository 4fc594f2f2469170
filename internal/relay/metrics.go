package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	progressTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_progress_reports_total",
			Help: "Worker progress reports by outcome.",
		},
		[]string{"outcome"},
	)

	resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_results_total",
			Help: "Worker results by outcome (completed, failed, ignored, error).",
		},
		[]string{"outcome"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_task_events_published_total",
			Help: "Task events published to the bus by kind.",
		},
		[]string{"kind"},
	)

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backtestd_task_events_dropped_total",
		Help: "Task events dropped because a queue or session buffer was full or the bus failed.",
	})
)

func init() {
	prometheus.MustRegister(progressTotal)
	prometheus.MustRegister(resultsTotal)
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsDropped)
}
