package modelcache

import "github.com/prometheus/client_golang/prometheus"

var resolutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "medlens",
		Subsystem: "model",
		Name:      "resolutions_total",
		Help:      "Model resolutions by source (cache, remote) and outcome",
	},
	[]string{"source", "outcome"},
)

var persistFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "medlens",
		Subsystem: "model",
		Name:      "persist_failures_total",
		Help:      "Failed writes of fetched models into the local cache",
	},
)

func init() {
	prometheus.MustRegister(resolutionsTotal, persistFailuresTotal)
}
