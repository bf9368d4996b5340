package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsSink turns swarm events into Prometheus metrics.
type MetricsSink struct {
	poolsRunning   *prometheus.GaugeVec
	batchAttempts  *prometheus.CounterVec
	batchesTotal   *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	reductions     *prometheus.CounterVec
	reduceOutBytes *prometheus.HistogramVec
}

func NewMetricsSink(reg prometheus.Registerer, namespace string) *MetricsSink {
	f := promauto.With(reg)
	return &MetricsSink{
		poolsRunning: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pools_running",
				Help:      "Number of worker pools currently processing batches",
			},
			[]string{"swarm"},
		),
		batchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_attempts_total",
				Help:      "Total number of batch attempts dispatched to workers",
			},
			[]string{"swarm"},
		),
		batchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of batches that reached a terminal state",
			},
			[]string{"swarm", "status"},
		),
		batchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Batch processing duration including retries",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"swarm"},
		),
		reductions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reductions_total",
				Help:      "Total number of completed reductions",
			},
			[]string{"swarm", "strategy"},
		),
		reduceOutBytes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reduce_output_bytes",
				Help:      "Size of final reduced outputs",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
			},
			[]string{"swarm", "strategy"},
		),
	}
}

func (m *MetricsSink) Emit(e Event) {
	switch e.Type {
	case PoolStart:
		m.poolsRunning.WithLabelValues(e.SwarmID).Inc()
	case PoolDone:
		m.poolsRunning.WithLabelValues(e.SwarmID).Dec()
	case BatchStart:
		m.batchAttempts.WithLabelValues(e.SwarmID).Inc()
	case BatchDone:
		status := "failed"
		if ok, _ := e.Data["success"].(bool); ok {
			status = "completed"
		}
		m.batchesTotal.WithLabelValues(e.SwarmID, status).Inc()
		m.batchDuration.WithLabelValues(e.SwarmID).Observe(float64(toInt64(e.Data["duration"])) / 1000)
	case ReduceDone:
		strategy, _ := e.Data["strategy"].(string)
		m.reductions.WithLabelValues(e.SwarmID, strategy).Inc()
		m.reduceOutBytes.WithLabelValues(e.SwarmID, strategy).Observe(float64(toInt64(e.Data["result_length"])))
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
