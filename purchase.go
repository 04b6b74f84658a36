package stockd

import (
	"context"
	"fmt"
	"time"
)

// PurchaseService runs the purchase saga: admission through the hot counter,
// durable record in the relational ledger, compensating increment when the
// durable leg fails.
//
// The service is parameterized over the counter-tier and guard capabilities,
// so the same saga serves single-endpoint deployments (StockStore +
// SingleGuard) and quorum deployments (Redlock for both).
type PurchaseService struct {
	catalog Catalog
	ledger  Ledger
	counter StockCounter
	guard   StockGuard
	logger  Logger
	metrics Metrics
}

// NewPurchaseService wires the saga over the given capabilities.
func NewPurchaseService(catalog Catalog, ledger Ledger, counter StockCounter, guard StockGuard, logger Logger, metrics Metrics) *PurchaseService {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	return &PurchaseService{
		catalog: catalog,
		ledger:  ledger,
		counter: counter,
		guard:   guard,
		logger:  logger,
		metrics: metrics,
	}
}

// Purchase executes one purchase for the given buyer.
//
// Steps: product lookup, hot-counter snapshot, lock-guarded conditional
// decrement, then ledger insert + mirror update in one relational
// transaction. If the transaction fails after the decrement, the hot counter
// is restored with an increment of exactly this request's quantity; never a
// SET, because other purchases may have legitimately decremented further in
// between and overwriting would resurrect their consumed units.
//
// Compensation runs on a background context so a caller that cancels
// mid-saga still restores the counter before the cancellation propagates.
// A failed compensation leaks stock toward undersell, never oversell; it is
// logged and counted, and the original failure is returned unchanged.
func (s *PurchaseService) Purchase(ctx context.Context, userID, productID, quantity int64) (*Purchase, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}

	start := time.Now()
	defer func() {
		s.metrics.Timing(MetricPurchaseDuration, time.Since(start))
	}()

	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		s.metrics.Increment(MetricPurchaseFailed, "reason", "product_lookup")
		return nil, err
	}

	// Snapshot before taking the lock; a missing counter means the product
	// was never seeded (or the tier lost it), which reads as not-found here.
	if _, ok, err := s.counter.Read(ctx, productID); err != nil {
		s.metrics.Increment(MetricPurchaseFailed, "reason", "counter_read")
		return nil, err
	} else if !ok {
		s.metrics.Increment(MetricPurchaseFailed, "reason", "counter_missing")
		return nil, WithContext(ErrProductNotFound, map[string]interface{}{
			"product_id": productID,
			"detail":     "hot counter absent",
		})
	}

	outcome, err := s.guard.GuardedDecrement(ctx, productID, quantity)
	if err != nil {
		s.metrics.Increment(MetricPurchaseFailed, "reason", "decrement")
		return nil, err
	}

	switch outcome.Status {
	case DecrementMissing:
		s.metrics.Increment(MetricPurchaseFailed, "reason", "counter_missing")
		return nil, WithContext(ErrProductNotFound, map[string]interface{}{
			"product_id": productID,
			"detail":     "hot counter absent at decrement",
		})
	case DecrementInsufficient:
		s.metrics.Increment(MetricPurchaseFailed, "reason", "insufficient")
		return nil, WithContext(ErrInsufficientStock, map[string]interface{}{
			"product_id": productID,
			"requested":  quantity,
		})
	}

	// The decrement is committed in the hot tier; from here every failure
	// path must compensate before returning.
	mirror := outcome.Remaining
	if current, ok, err := s.counter.Read(ctx, productID); err == nil && ok {
		// Concurrent purchases may already have pushed the counter lower;
		// the mirror records the freshest observation.
		mirror = current
	}

	purchase := &Purchase{
		UserID:     userID,
		ProductID:  productID,
		Quantity:   quantity,
		TotalPrice: product.Price * quantity,
	}

	recorded, err := s.ledger.RecordPurchase(ctx, purchase, mirror)
	if err != nil {
		s.compensate(productID, quantity)
		s.metrics.Increment(MetricPurchaseFailed, "reason", "ledger")
		return nil, err
	}

	s.metrics.Increment(MetricPurchaseSuccess)
	s.logger.Info("purchase committed",
		"purchase_id", recorded.ID,
		"user_id", userID,
		"product_id", productID,
		"quantity", quantity,
		"total_price", recorded.TotalPrice,
		"remaining_stock", outcome.Remaining,
	)
	return recorded, nil
}

// compensate restores the hot counter after a failed ledger write. Runs on a
// detached context: the caller may already be cancelled, and skipping
// compensation would leak the decrement permanently.
func (s *PurchaseService) compensate(productID, quantity int64) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	newValue, err := s.counter.Increment(cleanupCtx, productID, quantity)
	if err != nil {
		// Undersell, not oversell: the counter now undercounts real stock
		// until repaired out of band.
		s.metrics.Increment(MetricCompensationFailed)
		s.logger.Error("stock compensation failed, counter undercounts",
			"product_id", productID,
			"quantity", quantity,
			"error", err,
		)
		return
	}

	s.metrics.Increment(MetricPurchaseCompensated)
	s.logger.Warn("purchase compensated after ledger failure",
		"product_id", productID,
		"quantity", quantity,
		"restored_stock", newValue,
	)
}

// History returns the buyer's purchase ledger entries.
func (s *PurchaseService) History(ctx context.Context, userID int64) ([]*Purchase, error) {
	return s.ledger.PurchasesByUser(ctx, userID)
}
