package stockd

import "time"

// Metrics provides observability for stockd operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.Timings[name] = append(m.Timings[name], duration)
}

// Common metric names
const (
	MetricLockAcquired   = "stockd.lock.acquired"
	MetricLockFailed     = "stockd.lock.failed"
	MetricLockReleased   = "stockd.lock.released"
	MetricLockContention = "stockd.lock.contention" // Number of retries needed
	MetricLockWaitTime   = "stockd.lock.wait_duration"
	MetricLockActive     = "stockd.lock.active"
	MetricLockOrphaned   = "stockd.lock.orphaned"
	MetricLockForced     = "stockd.lock.force_released"

	MetricStockSeeded       = "stockd.stock.seeded"
	MetricStockDecrement    = "stockd.stock.decrement"
	MetricStockInsufficient = "stockd.stock.insufficient"
	MetricStockMissing      = "stockd.stock.missing"
	MetricStockIncrement    = "stockd.stock.increment"
	MetricStockError        = "stockd.stock.error"

	MetricPurchaseSuccess      = "stockd.purchase.success"
	MetricPurchaseFailed       = "stockd.purchase.failed"
	MetricPurchaseDuration     = "stockd.purchase.duration"
	MetricPurchaseCompensated  = "stockd.purchase.compensated"
	MetricCompensationFailed   = "stockd.purchase.compensation_failed"
	MetricMirrorDivergence     = "stockd.mirror.divergence"
	MetricProductCreated       = "stockd.product.created"
	MetricProductCreateFailed  = "stockd.product.create_failed"

	MetricRedlockAcquired     = "stockd.redlock.acquired"
	MetricRedlockQuorumFailed = "stockd.redlock.quorum_failed"
	MetricRedlockExpired      = "stockd.redlock.validity_expired"
	MetricRedlockNodeError    = "stockd.redlock.node_error"
	MetricRedlockRollback     = "stockd.redlock.rollback"
)
