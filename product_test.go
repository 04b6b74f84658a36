package stockd

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type productHarness struct {
	store   *fakeStore
	stock   *StockStore
	locker  *Locker
	service *ProductService
	mr      *miniredis.Miniredis
}

func newProductHarness(t *testing.T) *productHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := newFakeStore()
	stock := NewStockStore(client, nil, nil)
	locker := NewLocker(client, testLockConfig(), nil, nil)

	return &productHarness{
		store:   store,
		stock:   stock,
		locker:  locker,
		service: NewProductService(store, stock, locker, nil, nil),
		mr:      mr,
	}
}

func TestProductService_CreateProduct(t *testing.T) {
	h := newProductHarness(t)
	ctx := context.Background()

	p, err := h.service.CreateProduct(ctx, "widget", "a widget", 100, 25)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if p.ID == 0 {
		t.Error("created product should have an id")
	}

	// Durable row and hot counter both present
	if _, err := h.store.GetProductByName(ctx, "widget"); err != nil {
		t.Errorf("row should exist: %v", err)
	}
	if got, _ := h.mr.Get("stock:" + strconv.FormatInt(p.ID, 10)); got != "25" {
		t.Errorf("counter should be seeded with 25, got %q", got)
	}

	// The creation lease must not linger
	if h.mr.Exists("lock:" + createLockResource("widget")) {
		t.Error("creation lease should be released")
	}
}

func TestProductService_CreateDuplicateName(t *testing.T) {
	h := newProductHarness(t)
	ctx := context.Background()

	if _, err := h.service.CreateProduct(ctx, "widget", "", 100, 5); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	_, err := h.service.CreateProduct(ctx, "widget", "", 200, 9)
	if !errors.Is(err, ErrProductExists) {
		t.Fatalf("expected ErrProductExists, got %v", err)
	}
}

// TestProductService_CreateWhileLeaseHeld simulates a concurrent creator on
// another pod holding the name lease for the whole retry window.
func TestProductService_CreateWhileLeaseHeld(t *testing.T) {
	h := newProductHarness(t)
	ctx := context.Background()

	holder, err := h.locker.Acquire(ctx, createLockResource("widget"))
	if err != nil {
		t.Fatalf("holder acquire failed: %v", err)
	}
	defer h.locker.Release(holder)

	_, err = h.service.CreateProduct(ctx, "widget", "", 100, 5)
	if !errors.Is(err, ErrConcurrentCreation) {
		t.Fatalf("expected ErrConcurrentCreation, got %v", err)
	}

	// Nothing must have been created
	if _, err := h.store.GetProductByName(ctx, "widget"); !errors.Is(err, ErrProductNotFound) {
		t.Errorf("no row should exist, got %v", err)
	}
}

// TestProductService_SeedConflictRollsBackRow covers the inconsistent case of
// a counter already existing for a freshly inserted id: the row must be
// removed so the two stores do not disagree about the product's existence.
func TestProductService_SeedConflictRollsBackRow(t *testing.T) {
	h := newProductHarness(t)
	ctx := context.Background()

	// The fake catalog hands out id 1 first.
	h.mr.Set("stock:1", "7")

	_, err := h.service.CreateProduct(ctx, "widget", "", 100, 5)
	if !errors.Is(err, ErrProductExists) {
		t.Fatalf("expected ErrProductExists on seed conflict, got %v", err)
	}

	if _, err := h.store.GetProductByName(ctx, "widget"); !errors.Is(err, ErrProductNotFound) {
		t.Errorf("row should have been rolled back, got %v", err)
	}
	// The pre-existing counter is left alone
	if got, _ := h.mr.Get("stock:1"); got != "7" {
		t.Errorf("conflicting counter must not be modified, got %q", got)
	}
}

func TestProductService_GetProduct(t *testing.T) {
	h := newProductHarness(t)
	ctx := context.Background()

	created, err := h.service.CreateProduct(ctx, "widget", "a widget", 100, 25)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := h.service.GetProduct(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ID != created.ID || got.Name != "widget" || got.Price != 100 {
		t.Errorf("unexpected product: %+v", got)
	}

	if _, err := h.service.GetProduct(ctx, 999); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestProductService_GetProductWithStock(t *testing.T) {
	h := newProductHarness(t)
	ctx := context.Background()

	p, err := h.service.CreateProduct(ctx, "widget", "", 100, 25)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	view, err := h.service.GetProductWithStock(ctx, p.ID)
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if !view.Synced {
		t.Error("fresh product should be synced")
	}
	if view.MirrorStock != 25 || view.HotStock != 25 {
		t.Errorf("expected 25/25, got %d/%d", view.MirrorStock, view.HotStock)
	}
}

func TestProductService_GetProductWithStockDivergence(t *testing.T) {
	h := newProductHarness(t)
	ctx := context.Background()

	p, err := h.service.CreateProduct(ctx, "widget", "", 100, 25)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Sales that have not reached the mirror yet
	if _, err := h.stock.TryDecrement(ctx, p.ID, 5); err != nil {
		t.Fatalf("decrement failed: %v", err)
	}

	view, err := h.service.GetProductWithStock(ctx, p.ID)
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if view.Synced {
		t.Error("view should report divergence")
	}
	if view.MirrorStock != 25 || view.HotStock != 20 {
		t.Errorf("expected 25/20, got %d/%d", view.MirrorStock, view.HotStock)
	}
}

// TestProductService_GetProductWithStockLazySeed deletes the hot counter and
// checks that the view reseeds it from the mirror.
func TestProductService_GetProductWithStockLazySeed(t *testing.T) {
	h := newProductHarness(t)
	ctx := context.Background()

	p, err := h.service.CreateProduct(ctx, "widget", "", 100, 25)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	h.mr.Del("stock:" + strconv.FormatInt(p.ID, 10))

	view, err := h.service.GetProductWithStock(ctx, p.ID)
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if !view.Synced || view.HotStock != 25 {
		t.Errorf("expected reseeded 25/synced, got %d synced=%v", view.HotStock, view.Synced)
	}

	if got, _ := h.mr.Get("stock:" + strconv.FormatInt(p.ID, 10)); got != "25" {
		t.Errorf("counter should be reseeded to 25, got %q", got)
	}
}

func TestProductService_GetProductWithStockUnknownProduct(t *testing.T) {
	h := newProductHarness(t)

	_, err := h.service.GetProductWithStock(context.Background(), 999)
	if !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}
