package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one cache. A nil *Metrics
// records nothing.
type Metrics struct {
	Hits            prometheus.Counter
	Misses          prometheus.Counter
	Evictions       prometheus.Counter
	BackingFailures *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	OpLatency       *prometheus.HistogramVec
}

// NewMetrics creates and registers the cache collectors on reg under the
// given namespace. A nil reg registers nothing, which suits tests.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Accesses served from the cache store",
		}),
		Misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Accesses that went to the backing store",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Keys evicted to make room for new ones",
		}),
		BackingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backing_failures_total",
			Help:      "Failed backing store calls by operation",
		}, []string{"op"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lane_queue_depth",
			Help:      "Tasks queued across all lanes and not yet started",
		}),
		OpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Lane execution time of cache operations",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op"}),
	}
}

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) eviction() {
	if m != nil {
		m.Evictions.Inc()
	}
}

func (m *Metrics) backingFailure(op string) {
	if m != nil {
		m.BackingFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) observe(op string, start time.Time, pending int) {
	if m == nil {
		return
	}
	m.OpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	m.QueueDepth.Set(float64(pending))
}
