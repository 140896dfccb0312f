package repositories

import (
	"context"
	"time"

	domain "github.com/aftabshop/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order documents with their embedded line items.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	Delete(ctx context.Context, orderID string) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	OrderNumberExists(ctx context.Context, orderNumber string) (bool, error)
	ListByCustomer(ctx context.Context, customerID string, filter OrderListFilter) ([]domain.Order, error)
	// ListExpired returns unpaid online orders whose checkout window elapsed
	// before the provided instant and that still sit in the pending status.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	// ListActive returns orders that are neither settled nor in a terminal status.
	ListActive(ctx context.Context, limit int) ([]domain.Order, error)
}

// OrderListFilter narrows customer order listings.
type OrderListFilter struct {
	Status []domain.OrderStatus
	Limit  int
}

// ProductRepository reads catalog products and owns their stock counters.
// Stock mutations run inside a storage transaction and are all-or-nothing.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	// ReserveStock validates availability and active state for every line
	// before decrementing any counter.
	ReserveStock(ctx context.Context, lines []StockLine) error
	// RestoreStock increments stock counters for the given lines. Missing
	// products are skipped so restores never fail an order teardown.
	RestoreStock(ctx context.Context, lines []StockLine) error
	// AdjustStock applies net per-product deltas in one pass: every product
	// is read once, all decrements are validated, then the counters are
	// written. Positive deltas on missing products are skipped the same way
	// RestoreStock skips them.
	AdjustStock(ctx context.Context, deltas []StockDelta) error
}

// StockLine addresses one product stock mutation.
type StockLine struct {
	ProductID   string
	ProductName string
	Quantity    int
}

// StockDelta is a signed stock adjustment for one product. A negative delta
// reserves, a positive one releases.
type StockDelta struct {
	ProductID   string
	ProductName string
	Delta       int
}

// CartRepository reads the per-customer cart and prices it against live products.
type CartRepository interface {
	GetCart(ctx context.Context, customerID string) (domain.Cart, error)
	// Summary joins cart items with current product documents. Lines whose
	// product no longer exists are dropped from the summary.
	Summary(ctx context.Context, customerID string) (domain.CartSummary, error)
	ClearCart(ctx context.Context, customerID string) error
}

// TransactionRepository stores the payment attempt ledger keyed by
// "<gateway>_<correlationID>".
type TransactionRepository interface {
	Upsert(ctx context.Context, trx domain.OrderTransaction) error
	FindByID(ctx context.Context, trxID string) (domain.OrderTransaction, error)
	// FindPending returns the single pending attempt for the order and
	// gateway pair, or a not-found repository error.
	FindPending(ctx context.Context, orderID string, gateway string) (domain.OrderTransaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderTransaction, error)
	// ClaimAttempt takes the short-lived marker that serialises concurrent
	// payment starts for one order and gateway. A live marker held by someone
	// else yields a conflict repository error; a marker past its deadline is
	// taken over.
	ClaimAttempt(ctx context.Context, orderID string, gateway string, until time.Time) error
	// ReleaseAttempt drops the marker. Releasing an absent marker is a no-op.
	ReleaseAttempt(ctx context.Context, orderID string, gateway string) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
