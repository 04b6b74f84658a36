package stockd

import (
	"context"
	"errors"
	"time"
)

// ProductService owns product creation and the consistency view over both
// stores. Creation is serialized per product name: first by an in-process
// striped lock, then by a distributed lease, so concurrent creators across
// pods collapse to one insert and the rest fail cleanly.
type ProductService struct {
	catalog Catalog
	counter StockCounter
	locker  *Locker
	stripes *StripedLocks
	logger  Logger
	metrics Metrics
}

// NewProductService wires the creation orchestrator.
func NewProductService(catalog Catalog, counter StockCounter, locker *Locker, logger Logger, metrics Metrics) *ProductService {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	return &ProductService{
		catalog: catalog,
		counter: counter,
		locker:  locker,
		stripes: NewStripedLocks(32),
		logger:  logger,
		metrics: metrics,
	}
}

// CreateProduct creates the durable product row and seeds the hot counter.
//
// Failure paths:
//   - name lease contended past the retry budget → ErrConcurrentCreation
//   - name already registered → ErrProductExists
//   - counter seed reports the key already present for the fresh id (only
//     possible if id recycling misbehaves) → the inserted row is deleted and
//     the creation fails
func (s *ProductService) CreateProduct(ctx context.Context, name, description string, price, stock int64) (*Product, error) {
	unlock := s.stripes.Lock(name)
	defer unlock()

	lease, err := s.locker.AcquireWithRetry(ctx, createLockResource(name))
	if err != nil {
		if errors.Is(err, ErrLockAcquisition) {
			s.metrics.Increment(MetricProductCreateFailed, "reason", "lock")
			return nil, WithContext(ErrConcurrentCreation, map[string]interface{}{
				"name": name,
			})
		}
		return nil, err
	}
	defer s.locker.Release(lease)

	if _, err := s.catalog.GetProductByName(ctx, name); err == nil {
		s.metrics.Increment(MetricProductCreateFailed, "reason", "duplicate")
		return nil, WithContext(ErrProductExists, map[string]interface{}{
			"name": name,
		})
	} else if !errors.Is(err, ErrProductNotFound) {
		return nil, err
	}

	created, err := s.catalog.CreateProduct(ctx, &Product{
		Name:        name,
		Description: description,
		Price:       price,
		Stock:       stock,
	})
	if err != nil {
		s.metrics.Increment(MetricProductCreateFailed, "reason", "insert")
		return nil, err
	}

	seeded, err := s.counter.Seed(ctx, created.ID, stock)
	if err != nil || !seeded {
		s.deleteOrphanRow(created.ID, name)
		s.metrics.Increment(MetricProductCreateFailed, "reason", "seed")
		if err != nil {
			return nil, err
		}
		return nil, WithContext(ErrProductExists, map[string]interface{}{
			"name":       name,
			"product_id": created.ID,
			"detail":     "stock counter already present for new id",
		})
	}

	s.metrics.Increment(MetricProductCreated)
	s.logger.Info("product created with seeded stock",
		"product_id", created.ID,
		"name", name,
		"stock", stock,
	)
	return created, nil
}

// deleteOrphanRow removes a product row whose counter seed failed, on a
// detached context so caller cancellation cannot strand the row.
func (s *ProductService) deleteOrphanRow(productID int64, name string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.catalog.DeleteProduct(cleanupCtx, productID); err != nil {
		s.logger.Error("failed to delete product row after seed failure",
			"product_id", productID,
			"name", name,
			"error", err,
		)
	}
}

// GetProduct returns the durable product row.
func (s *ProductService) GetProduct(ctx context.Context, id int64) (*Product, error) {
	return s.catalog.GetProduct(ctx, id)
}

// ListProducts returns a page of products.
func (s *ProductService) ListProducts(ctx context.Context, offset, limit int64) ([]*Product, error) {
	return s.catalog.ListProducts(ctx, offset, limit)
}

// GetProductWithStock returns the consistency view: the product row, the
// relational mirror, the hot counter, and whether the two agree. An absent
// hot counter is lazily seeded from the mirror via set-if-absent; if another
// caller seeds first, the existing value wins.
func (s *ProductService) GetProductWithStock(ctx context.Context, id int64) (*StockView, error) {
	product, err := s.catalog.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}

	hot, ok, err := s.counter.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.counter.Seed(ctx, id, product.Stock); err != nil {
			return nil, err
		}
		hot, ok, err = s.counter.Read(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			hot = product.Stock
		}
	}

	view := &StockView{
		Product:     product,
		MirrorStock: product.Stock,
		HotStock:    hot,
		Synced:      product.Stock == hot,
	}
	if !view.Synced {
		s.metrics.Increment(MetricMirrorDivergence)
	}
	return view, nil
}
