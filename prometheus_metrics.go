package stockd

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
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

// registerDefaultMetrics registers all standard stockd metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	// Lock subsystem
	p.counters[MetricLockAcquired] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "lock",
			Name:      "acquired_total",
			Help:      "Total number of lease acquisitions",
		},
		[]string{},
	)

	p.counters[MetricLockFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "lock",
			Name:      "failed_total",
			Help:      "Total number of exhausted lease acquisition attempts",
		},
		[]string{},
	)

	p.histograms[MetricLockWaitTime] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stockd",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Time spent acquiring leases, retries included",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{},
	)

	// Stock counter subsystem
	p.counters[MetricStockDecrement] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "stock",
			Name:      "decrements_total",
			Help:      "Total number of successful conditional decrements",
		},
		[]string{},
	)

	p.counters[MetricStockInsufficient] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "stock",
			Name:      "insufficient_total",
			Help:      "Total number of decrements rejected for insufficient stock",
		},
		[]string{},
	)

	p.counters[MetricStockIncrement] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "stock",
			Name:      "increments_total",
			Help:      "Total number of compensating increments",
		},
		[]string{},
	)

	// Purchase saga subsystem
	p.counters[MetricPurchaseSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "purchase",
			Name:      "success_total",
			Help:      "Total number of committed purchases",
		},
		[]string{},
	)

	p.counters[MetricPurchaseFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "purchase",
			Name:      "failed_total",
			Help:      "Total number of failed purchases",
		},
		[]string{"reason"},
	)

	p.counters[MetricPurchaseCompensated] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "purchase",
			Name:      "compensated_total",
			Help:      "Total number of compensating increments after ledger failure",
		},
		[]string{},
	)

	p.counters[MetricCompensationFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "purchase",
			Name:      "compensation_failed_total",
			Help:      "Compensating increments that failed; the counter undercounts until repaired",
		},
		[]string{},
	)

	p.histograms[MetricPurchaseDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stockd",
			Subsystem: "purchase",
			Name:      "duration_seconds",
			Help:      "End-to-end purchase saga duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{},
	)

	// Redlock subsystem
	p.counters[MetricRedlockAcquired] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "redlock",
			Name:      "acquired_total",
			Help:      "Total number of quorum lease acquisitions",
		},
		[]string{},
	)

	p.counters[MetricRedlockQuorumFailed] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stockd",
			Subsystem: "redlock",
			Name:      "quorum_failed_total",
			Help:      "Acquisitions or decrements that missed quorum",
		},
		[]string{"phase"},
	)

	// Active lease gauge
	p.gauges[MetricLockActive] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stockd",
			Subsystem: "lock",
			Name:      "active",
			Help:      "Number of currently held leases",
		},
		[]string{},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		// Create dynamic counter if it doesn't exist
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: sanitizeMetricName(name),
				Help: "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	labels := p.extractLabelValues(tags)
	counter.With(labels).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		// Create dynamic gauge if it doesn't exist
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: sanitizeMetricName(name),
				Help: "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	labels := p.extractLabelValues(tags)
	gauge.With(labels).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		// Create dynamic histogram if it doesn't exist
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    sanitizeMetricName(name),
				Help:    "Dynamic histogram: " + name,
				Buckets: prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	labels := p.extractLabelValues(tags)
	histogram.With(labels).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// sanitizeMetricName maps the dotted internal metric names onto the
// underscore form Prometheus requires.
func sanitizeMetricName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		if i < len(tags) {
			labels = append(labels, tags[i])
		}
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
