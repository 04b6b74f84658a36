package stockd

import (
	"context"
	"fmt"
	"time"
)

// Product is the durable product record. The Stock column is a mirror of the
// hot Redis counter, updated best-effort after each committed purchase; it is
// never used for admission control.
type Product struct {
	ID          int64
	Name        string
	Description string
	Price       int64 // minor currency unit
	Stock       int64 // mirror of the hot counter
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Purchase is one row of the append-only purchase ledger. TotalPrice is
// materialized at purchase time and never recomputed, so later price edits
// do not rewrite history.
type Purchase struct {
	ID          int64
	UserID      int64
	ProductID   int64
	Quantity    int64
	TotalPrice  int64
	PurchasedAt time.Time
}

// User is the minimal buyer record the purchase ledger references.
// Authentication lives outside this package; the edge passes a user id.
type User struct {
	ID        int64
	Username  string
	Email     string
	CreatedAt time.Time
}

// StockView is the consistency view over both stores for one product.
// Synced reports whether the relational mirror currently agrees with the
// hot counter; divergence is exposed, not hidden.
type StockView struct {
	Product     *Product
	MirrorStock int64
	HotStock    int64
	Synced      bool
}

// Lease identifies the current holder of a time-bounded lock.
// Token is a 128-bit random value; release is verified against it.
type Lease struct {
	Resource   string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration

	// ValidUntil is the moment the lease can no longer be trusted.
	// For quorum leases this already accounts for acquisition latency
	// and the clock drift budget.
	ValidUntil time.Time
}

// Valid reports whether the lease can still be trusted at time now.
func (l *Lease) Valid(now time.Time) bool {
	return now.Before(l.ValidUntil)
}

// DecrementStatus classifies the outcome of a conditional stock decrement.
type DecrementStatus int

const (
	DecrementOK DecrementStatus = iota
	DecrementInsufficient
	DecrementMissing
)

func (s DecrementStatus) String() string {
	switch s {
	case DecrementOK:
		return "ok"
	case DecrementInsufficient:
		return "insufficient"
	case DecrementMissing:
		return "missing"
	default:
		return fmt.Sprintf("DecrementStatus(%d)", int(s))
	}
}

// DecrementOutcome carries the status of a conditional decrement and, on
// success, the remaining stock.
type DecrementOutcome struct {
	Status    DecrementStatus
	Remaining int64
}

// StockCounter is the capability set of the hot counter tier. It is
// implemented by StockStore (single endpoint) and Redlock (quorum over N
// endpoints), letting tests substitute the tier entirely.
type StockCounter interface {
	// Seed sets the counter iff absent. Returns true if this call created it.
	// A pre-existing counter is not an error; seeding is idempotent.
	Seed(ctx context.Context, productID, quantity int64) (bool, error)

	// Read returns the current counter value. ok is false when the counter
	// does not exist (or, for quorum tiers, when no value reaches quorum).
	Read(ctx context.Context, productID int64) (value int64, ok bool, err error)

	// Increment unconditionally adds quantity and returns the new value.
	// Used by purchase compensation; must never be replaced by a SET.
	Increment(ctx context.Context, productID, quantity int64) (int64, error)
}

// StockGuard performs the lock-guarded conditional decrement: acquire the
// stock lock, run the server-side conditional decrement, release. The two
// implementations share one purchase saga:
//
//   - SingleGuard: single-endpoint lease with bounded retry
//   - Redlock: quorum acquisition across N endpoints
//
// The lock is advisory; the server-side decrement is the authoritative
// defense against oversell even when a lease outlives its holder.
type StockGuard interface {
	GuardedDecrement(ctx context.Context, productID, quantity int64) (DecrementOutcome, error)
}

// Catalog is the durable product registry capability set.
type Catalog interface {
	CreateProduct(ctx context.Context, p *Product) (*Product, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	GetProductByName(ctx context.Context, name string) (*Product, error)
	ListProducts(ctx context.Context, offset, limit int64) ([]*Product, error)
	DeleteProduct(ctx context.Context, id int64) error
}

// Ledger is the append-only purchase ledger capability set. RecordPurchase
// runs the ledger insert and the stock-mirror update in one relational
// transaction; on any failure nothing is persisted.
type Ledger interface {
	RecordPurchase(ctx context.Context, p *Purchase, mirrorStock int64) (*Purchase, error)
	PurchasesByUser(ctx context.Context, userID int64) ([]*Purchase, error)
}

// stockKey is the hot counter key for a product.
func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

// stockLockResource is the lock resource name guarding a product's counter.
func stockLockResource(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

// createLockResource is the lock resource name serializing product creation
// for a given product name.
func createLockResource(name string) string {
	return fmt.Sprintf("product:create:%s", name)
}
