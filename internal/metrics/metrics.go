// Package metrics exposes the pipeline's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ItemsProcessed *prometheus.CounterVec
	Retries        prometheus.Counter
	LookupDuration *prometheus.HistogramVec
	LimiterWait    prometheus.Histogram
	QueueDepth     prometheus.Gauge
}

// New registers the instruments with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ItemsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cepresolver_items_processed_total",
			Help: "Work items that reached a terminal outcome or were left unacknowledged",
		}, []string{"outcome"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "cepresolver_retries_total",
			Help: "Transient lookup failures requeued with backoff",
		}),
		LookupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cepresolver_lookup_duration_seconds",
			Help:    "Latency of lookup calls by result kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		LimiterWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cepresolver_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limiter slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "cepresolver_queue_depth",
			Help: "Unacknowledged work items in the queue",
		}),
	}
}

func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ItemsProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementRetries() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func (m *Metrics) ObserveLookup(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.LookupDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LimiterWait.Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
