package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/aftabshop/api/internal/domain"
	pfirestore "github.com/aftabshop/api/internal/platform/firestore"
	"github.com/aftabshop/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository reads catalog products and mutates their stock counters.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
	clock    func() time.Time
}

// ProductRepositoryOption customises the repository.
type ProductRepositoryOption func(*ProductRepository)

// WithProductClock overrides the clock used for stock mutation timestamps.
func WithProductClock(clock func() time.Time) ProductRepositoryOption {
	return func(r *ProductRepository) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewProductRepository constructs a ProductRepository bound to the products collection.
func NewProductRepository(provider *pfirestore.Provider, opts ...ProductRepositoryOption) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	repo := &ProductRepository{
		provider: provider,
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

func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.products == nil {
		return nil, errors.New("product repository not initialised")
	}

	products := make(map[string]domain.Product, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		doc, err := r.products.Get(ctx, id)
		if err != nil {
			var repoErr *pfirestore.Error
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				continue
			}
			return nil, err
		}
		products[doc.ID] = doc.Data.toDomain(doc.ID)
	}
	return products, nil
}

// ReserveStock decrements stock counters for every line. All lines are read
// and validated before the first write so a failing line leaves every counter
// untouched.
func (r *ProductRepository) ReserveStock(ctx context.Context, lines []repositories.StockLine) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	if len(lines) == 0 {
		return nil
	}

	err := pfirestore.InTransaction(ctx, r.provider, func(ctx context.Context) error {
		now := r.clock().UTC()
		type stagedStock struct {
			line repositories.StockLine
			doc  productDocument
		}
		staged := make([]stagedStock, 0, len(lines))

		for _, line := range lines {
			productID := strings.TrimSpace(line.ProductID)
			if productID == "" {
				return repositories.NewStockError(repositories.StockErrorUnknown, line.ProductID, line.ProductName, "stock reserve: product id is required")
			}
			if line.Quantity <= 0 {
				return repositories.NewStockError(repositories.StockErrorUnknown, productID, line.ProductName, fmt.Sprintf("stock reserve: quantity for %s must be > 0", displayName(line)))
			}

			doc, err := r.products.Get(ctx, productID)
			if err != nil {
				var repoErr *pfirestore.Error
				if errors.As(err, &repoErr) && repoErr.IsNotFound() {
					return repositories.NewStockError(repositories.StockErrorProductNotFound, productID, line.ProductName, fmt.Sprintf("product %s not found", displayName(line)))
				}
				return err
			}

			name := line.ProductName
			if name == "" {
				name = doc.Data.Name
			}
			if !doc.Data.IsActive {
				return repositories.NewStockError(repositories.StockErrorProductInactive, productID, name, fmt.Sprintf("product %s is not available", name))
			}
			if doc.Data.Stock < line.Quantity {
				return repositories.NewStockError(repositories.StockErrorInsufficient, productID, name, fmt.Sprintf("insufficient stock for %s", name))
			}

			updated := doc.Data
			updated.Stock -= line.Quantity
			updated.UpdatedAt = now
			staged = append(staged, stagedStock{line: line, doc: updated})
		}

		for _, entry := range staged {
			if _, err := r.products.Set(ctx, strings.TrimSpace(entry.line.ProductID), entry.doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapStockError("products.reserveStock", err)
	}
	return nil
}

// RestoreStock increments stock counters for every line. Lines whose product
// no longer exists are skipped so order teardown never fails on a deleted
// catalog entry.
func (r *ProductRepository) RestoreStock(ctx context.Context, lines []repositories.StockLine) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	if len(lines) == 0 {
		return nil
	}

	err := pfirestore.InTransaction(ctx, r.provider, func(ctx context.Context) error {
		now := r.clock().UTC()
		type stagedStock struct {
			productID string
			doc       productDocument
		}
		staged := make([]stagedStock, 0, len(lines))

		for _, line := range lines {
			productID := strings.TrimSpace(line.ProductID)
			if productID == "" || line.Quantity <= 0 {
				continue
			}

			doc, err := r.products.Get(ctx, productID)
			if err != nil {
				var repoErr *pfirestore.Error
				if errors.As(err, &repoErr) && repoErr.IsNotFound() {
					continue
				}
				return err
			}

			updated := doc.Data
			updated.Stock += line.Quantity
			updated.UpdatedAt = now
			staged = append(staged, stagedStock{productID: productID, doc: updated})
		}

		for _, entry := range staged {
			if _, err := r.products.Set(ctx, entry.productID, entry.doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapStockError("products.restoreStock", err)
	}
	return nil
}

// AdjustStock applies signed per-product deltas. Every product is read
// exactly once and all decrements validated before the first write, so the
// whole batch is legal inside a surrounding transaction that writes next.
func (r *ProductRepository) AdjustStock(ctx context.Context, deltas []repositories.StockDelta) error {
	if r == nil || r.provider == nil {
		return errors.New("product repository not initialised")
	}
	if len(deltas) == 0 {
		return nil
	}

	err := pfirestore.InTransaction(ctx, r.provider, func(ctx context.Context) error {
		now := r.clock().UTC()
		type stagedStock struct {
			productID string
			doc       productDocument
		}
		staged := make([]stagedStock, 0, len(deltas))

		for _, delta := range deltas {
			productID := strings.TrimSpace(delta.ProductID)
			if productID == "" || delta.Delta == 0 {
				continue
			}

			doc, err := r.products.Get(ctx, productID)
			if err != nil {
				var repoErr *pfirestore.Error
				if errors.As(err, &repoErr) && repoErr.IsNotFound() {
					if delta.Delta > 0 {
						continue
					}
					return repositories.NewStockError(repositories.StockErrorProductNotFound, productID, delta.ProductName, fmt.Sprintf("product %s not found", deltaName(delta)))
				}
				return err
			}

			name := delta.ProductName
			if name == "" {
				name = doc.Data.Name
			}
			if delta.Delta < 0 {
				if !doc.Data.IsActive {
					return repositories.NewStockError(repositories.StockErrorProductInactive, productID, name, fmt.Sprintf("product %s is not available", name))
				}
				if doc.Data.Stock+delta.Delta < 0 {
					return repositories.NewStockError(repositories.StockErrorInsufficient, productID, name, fmt.Sprintf("insufficient stock for %s", name))
				}
			}

			updated := doc.Data
			updated.Stock += delta.Delta
			updated.UpdatedAt = now
			staged = append(staged, stagedStock{productID: productID, doc: updated})
		}

		for _, entry := range staged {
			if _, err := r.products.Set(ctx, entry.productID, entry.doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapStockError("products.adjustStock", err)
	}
	return nil
}

func deltaName(delta repositories.StockDelta) string {
	if name := strings.TrimSpace(delta.ProductName); name != "" {
		return name
	}
	return strings.TrimSpace(delta.ProductID)
}

func displayName(line repositories.StockLine) string {
	if name := strings.TrimSpace(line.ProductName); name != "" {
		return name
	}
	return strings.TrimSpace(line.ProductID)
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}

// Helper structures ---------------------------------------------------------

type productDocument struct {
	Name       string    `firestore:"name"`
	Price      int64     `firestore:"price"`
	FinalPrice int64     `firestore:"finalPrice"`
	Stock      int       `firestore:"stock"`
	IsActive   bool      `firestore:"isActive"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	finalPrice := d.FinalPrice
	if finalPrice <= 0 {
		finalPrice = d.Price
	}
	return domain.Product{
		ID:         id,
		Name:       d.Name,
		Price:      d.Price,
		FinalPrice: finalPrice,
		Stock:      d.Stock,
		IsActive:   d.IsActive,
		UpdatedAt:  d.UpdatedAt,
	}
}
