package liveness

import "github.com/prometheus/client_golang/prometheus"

var (
	lostWorkers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_workers_lost_total",
			Help: "Worker sessions recovered by cause (timeout, disconnected, replaced).",
		},
		[]string{"cause"},
	)

	recoveredTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_tasks_recovered_total",
			Help: "Tasks taken back from lost workers by reason and resulting status.",
		},
		[]string{"reason", "status"},
	)
)

func init() {
	prometheus.MustRegister(lostWorkers)
	prometheus.MustRegister(recoveredTasks)
}
