package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/aftabshop/api/internal/domain"
	pfirestore "github.com/aftabshop/api/internal/platform/firestore"
)

const cartsCollection = "carts"

// CartRepository reads the per-customer cart and prices it against live products.
type CartRepository struct {
	carts    *pfirestore.BaseRepository[cartDocument]
	products *pfirestore.BaseRepository[productDocument]
	clock    func() time.Time
}

// CartRepositoryOption customises the repository.
type CartRepositoryOption func(*CartRepository)

// WithCartClock overrides the clock used for cart mutation timestamps.
func WithCartClock(clock func() time.Time) CartRepositoryOption {
	return func(r *CartRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewCartRepository constructs a CartRepository bound to the carts collection.
func NewCartRepository(provider *pfirestore.Provider, opts ...CartRepositoryOption) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	repo := &CartRepository{
		carts:    pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection, nil, nil),
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

// GetCart returns the customer cart. A customer without a cart document gets
// an empty cart rather than a not-found error.
func (r *CartRepository) GetCart(ctx context.Context, customerID string) (domain.Cart, error) {
	if r == nil || r.carts == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Cart{}, errors.New("cart lookup: customer id is required")
	}

	doc, err := r.carts.Get(ctx, customerID)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.Cart{CustomerID: customerID}, nil
		}
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Summary joins cart items with current product documents. Lines whose
// product no longer exists are dropped.
func (r *CartRepository) Summary(ctx context.Context, customerID string) (domain.CartSummary, error) {
	if r == nil || r.carts == nil || r.products == nil {
		return domain.CartSummary{}, errors.New("cart repository not initialised")
	}

	cart, err := r.GetCart(ctx, customerID)
	if err != nil {
		return domain.CartSummary{}, err
	}

	summary := domain.CartSummary{CustomerID: cart.CustomerID}
	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			continue
		}
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			continue
		}

		doc, err := r.products.Get(ctx, productID)
		if err != nil {
			var repoErr *pfirestore.Error
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				continue
			}
			return domain.CartSummary{}, err
		}
		product := doc.Data.toDomain(doc.ID)

		summary.Lines = append(summary.Lines, domain.CartLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			FinalPrice:  product.FinalPrice,
			Quantity:    item.Quantity,
			Stock:       product.Stock,
			IsActive:    product.IsActive,
		})
		summary.Subtotal += product.Price * int64(item.Quantity)
		summary.FinalSubtotal += product.FinalPrice * int64(item.Quantity)
		summary.TotalQuantity += item.Quantity
	}
	summary.TotalDiscount = summary.Subtotal - summary.FinalSubtotal
	return summary, nil
}

// ClearCart empties the customer cart. Clearing an absent cart is a no-op.
func (r *CartRepository) ClearCart(ctx context.Context, customerID string) error {
	if r == nil || r.carts == nil {
		return errors.New("cart repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return errors.New("cart clear: customer id is required")
	}

	_, err := r.carts.Set(ctx, customerID, cartDocument{
		Items:     []cartItemDocument{},
		UpdatedAt: r.clock().UTC(),
	})
	return err
}

// Helper structures ---------------------------------------------------------

type cartDocument struct {
	Items     []cartItemDocument `firestore:"items"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string `firestore:"productId"`
	Quantity  int    `firestore:"qty"`
}

func (d cartDocument) toDomain(customerID string) domain.Cart {
	items := make([]domain.CartItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.CartItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	return domain.Cart{
		CustomerID: customerID,
		Items:      items,
		UpdatedAt:  d.UpdatedAt,
	}
}
