package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the process-wide Prometheus collectors the HTTP shell
// registers and exposes at /metrics.
type Metrics struct {
	MissionsTotal   *prometheus.CounterVec
	MissionDuration prometheus.Histogram
}

// NewMetrics constructs and registers the collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "missioncore_missions_total",
			Help: "Count of completed mission runs by terminal status.",
		}, []string{"status"}),
		MissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "missioncore_mission_duration_seconds",
			Help:    "Wall-clock duration of a mission run from Run() to its terminal status.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.MissionsTotal, m.MissionDuration)
	return m
}
