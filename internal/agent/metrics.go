package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inferenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinical",
		Subsystem: "inference",
		Name:      "calls_total",
		Help:      "Inference calls by task and outcome",
	}, []string{"task", "outcome"})

	inferenceLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clinical",
		Subsystem: "inference",
		Name:      "latency_seconds",
		Help:      "Inference call latency",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"task"})
)

func recordInference(task Task, outcome string, d time.Duration) {
	inferenceTotal.WithLabelValues(string(task), outcome).Inc()
	inferenceLatencySeconds.WithLabelValues(string(task)).Observe(d.Seconds())
}
