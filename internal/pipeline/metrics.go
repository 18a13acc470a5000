package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's instrumentation: queue depths, drop
// counts, and analysis pickup latency. Exposed on the status server's
// /metrics endpoint.
type Metrics struct {
	depth           *prometheus.GaugeVec
	dropped         *prometheus.CounterVec
	analysisLatency prometheus.Histogram
}

// NewMetrics registers the pipeline collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crossarb",
			Subsystem: "pipeline",
			Name:      "queue_depth",
			Help:      "Current depth of each pipeline queue.",
		}, []string{"queue"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crossarb",
			Subsystem: "pipeline",
			Name:      "dropped_total",
			Help:      "Items evicted from a saturated queue (drop-oldest).",
		}, []string{"queue"}),
		analysisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crossarb",
			Subsystem: "pipeline",
			Name:      "analysis_latency_seconds",
			Help:      "Time from enqueue to analysis-worker pickup.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	reg.MustRegister(m.depth, m.dropped, m.analysisLatency)
	return m
}
