package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_dispatch_total",
			Help: "Dispatch attempts by outcome (sent, no_slot, lost_claim, already_leased, send_failed, error).",
		},
		[]string{"outcome"},
	)

	queueWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "backtestd_queue_wait_seconds",
		Help:    "Time from submission to dispatch.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
)

func init() {
	prometheus.MustRegister(dispatchTotal)
	prometheus.MustRegister(queueWait)
}
