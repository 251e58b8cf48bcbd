package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medlens",
			Subsystem: "pipeline",
			Name:      "requests_total",
			Help:      "Inference requests by outcome",
		},
		[]string{"outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "medlens",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Inference request duration in seconds, model resolution included",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}
