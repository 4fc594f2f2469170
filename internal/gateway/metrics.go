package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_worker_connections_total",
			Help: "Worker connection attempts by outcome.",
		},
		[]string{"outcome"},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtestd_worker_messages_total",
			Help: "Messages received from workers by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(messagesTotal)
}
