package engine

import "github.com/prometheus/client_golang/prometheus"

var submissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backtestd_submissions_total",
		Help: "Backtest submissions by outcome (accepted, user_quota, global_quota).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(submissions)
}
