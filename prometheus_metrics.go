package dicomindex

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
// If registry is nil, the default Prometheus registry is used.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers the standard dicomindex metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.counters[MetricStoreOps] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomindex",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of index store operations",
		},
		[]string{"operation", "schema_version"},
	)

	p.counters[MetricStoreErrors] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomindex",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total number of index store errors",
		},
		[]string{"operation", "schema_version", "error_type"},
	)

	p.counters[MetricTagsAdded] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomindex",
			Subsystem: "tags",
			Name:      "added_total",
			Help:      "Total number of extended query tags added",
		},
		[]string{"level"},
	)

	p.counters[MetricTagConflicts] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomindex",
			Subsystem: "tags",
			Name:      "conflicts_total",
			Help:      "Total number of rejected conflicting tag additions",
		},
		[]string{"kind"},
	)

	p.counters[MetricReindexBatches] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomindex",
			Subsystem: "reindex",
			Name:      "batches_total",
			Help:      "Total number of processed reindex batches",
		},
		[]string{},
	)

	p.counters[MetricReindexedCount] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dicomindex",
			Subsystem: "reindex",
			Name:      "instances_total",
			Help:      "Total number of reindexed instances",
		},
		[]string{},
	)

	p.histograms[MetricStoreLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dicomindex",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Index store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "schema_version"},
	)

	p.histograms[MetricReindexDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dicomindex",
			Subsystem: "reindex",
			Name:      "batch_duration_seconds",
			Help:      "Reindex batch duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{},
	)

	p.gauges[MetricReindexFailures] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dicomindex",
			Subsystem: "reindex",
			Name:      "failed_tags",
			Help:      "Number of tags whose reindex terminally failed",
		},
		[]string{},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "dicomindex",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic counter: " + name,
			},
			extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "dicomindex",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dicomindex",
				Name:      sanitizeMetricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func extractLabelValues(tags []string) prometheus.Labels {
	labels := prometheus.Labels{}
	for i := 0; i+1 < len(tags); i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// sanitizeMetricName converts dotted metric names to Prometheus form
func sanitizeMetricName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' || c == '-' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}
