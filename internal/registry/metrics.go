package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	workersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backtestd_workers_registered",
		Help: "Number of worker sessions in the registry.",
	})

	leasesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backtestd_leases_active",
		Help: "Number of task leases currently held by workers.",
	})
)

func init() {
	prometheus.MustRegister(workersConnected)
	prometheus.MustRegister(leasesActive)
}
