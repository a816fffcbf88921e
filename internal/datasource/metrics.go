package datasource

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fetchTotal counts fetches by source and outcome (ok, error, timeout).
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinical",
		Subsystem: "datasource",
		Name:      "fetch_total",
		Help:      "Data source fetches by source and outcome",
	}, []string{"source", "outcome"})

	fetchLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clinical",
		Subsystem: "datasource",
		Name:      "fetch_latency_seconds",
		Help:      "Data source fetch latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"source"})
)

func recordFetch(source, outcome string, d time.Duration) {
	fetchTotal.WithLabelValues(source, outcome).Inc()
	fetchLatencySeconds.WithLabelValues(source).Observe(d.Seconds())
}
