package stockd

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()

	m.Increment(MetricLockAcquired)
	m.Increment(MetricLockAcquired)
	m.Gauge(MetricLockActive, 4)
	m.Histogram("stockd.test.sizes", 10)
	m.Histogram("stockd.test.sizes", 20)
	m.Timing(MetricLockWaitTime, 15*time.Millisecond)

	if m.Counters[MetricLockAcquired] != 2 {
		t.Errorf("expected counter 2, got %d", m.Counters[MetricLockAcquired])
	}
	if m.Gauges[MetricLockActive] != 4 {
		t.Errorf("expected gauge 4, got %f", m.Gauges[MetricLockActive])
	}
	if len(m.Histograms["stockd.test.sizes"]) != 2 {
		t.Errorf("expected 2 histogram samples, got %d", len(m.Histograms["stockd.test.sizes"]))
	}
	if len(m.Timings[MetricLockWaitTime]) != 1 {
		t.Errorf("expected 1 timing sample, got %d", len(m.Timings[MetricLockWaitTime]))
	}
}

// TestPurchaseEmitsCompensationMetrics checks the saga's failure accounting
// end to end: a ledger failure yields one compensated counter and one failed
// purchase, and success accounting stays untouched.
func TestPurchaseEmitsCompensationMetrics(t *testing.T) {
	h := newPurchaseHarness(t, testLockConfig())
	metrics := NewInMemoryMetrics()
	h.service = NewPurchaseService(h.store, h.store, h.stock, h.service.guard, nil, metrics)

	p := h.addProduct(t, "widget", 100, 10)
	h.store.recordErr = fmt.Errorf("connection reset")

	if _, err := h.service.Purchase(context.Background(), 7, p.ID, 2); err == nil {
		t.Fatal("purchase should fail at the ledger")
	}

	if metrics.Counters[MetricPurchaseCompensated] != 1 {
		t.Errorf("expected 1 compensation, got %d", metrics.Counters[MetricPurchaseCompensated])
	}
	if metrics.Counters[MetricPurchaseFailed] != 1 {
		t.Errorf("expected 1 failed purchase, got %d", metrics.Counters[MetricPurchaseFailed])
	}
	if metrics.Counters[MetricPurchaseSuccess] != 0 {
		t.Errorf("expected no successes, got %d", metrics.Counters[MetricPurchaseSuccess])
	}
}
