package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/aftabshop/api/internal/domain"
	pfirestore "github.com/aftabshop/api/internal/platform/firestore"
	"github.com/aftabshop/api/internal/repositories"
)

const ordersCollection = "orders"

const (
	defaultOrderListLimit = 50
	maxOrderListLimit     = 200
)

// OrderRepository persists orders with their embedded line items in Firestore.
type OrderRepository struct {
	orders *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs an OrderRepository bound to the orders collection.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	orders := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{orders: orders}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}
	_, err := r.orders.Create(ctx, order.ID, newOrderDocument(order))
	return err
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order update: id is required")
	}
	_, err := r.orders.Set(ctx, order.ID, newOrderDocument(order))
	return err
}

func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	return r.orders.Delete(ctx, orderID)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, errors.New("order lookup: order number is required")
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("orderNumber", "==", orderNumber).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, notFoundError("orders.findByOrderNumber", "order %s not found", orderNumber)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *OrderRepository) OrderNumberExists(ctx context.Context, orderNumber string) (bool, error) {
	if r == nil || r.orders == nil {
		return false, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return false, errors.New("order lookup: order number is required")
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("orderNumber", "==", orderNumber).Limit(1)
	})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string, filter repositories.OrderListFilter) ([]domain.Order, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("order repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("order list: customer id is required")
	}

	limit := clampListLimit(filter.Limit)
	statuses := make([]string, 0, len(filter.Status))
	for _, status := range filter.Status {
		statuses = append(statuses, string(status))
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		query = query.Where("customerId", "==", customerID)
		if len(statuses) > 0 {
			query = query.Where("status", "in", statuses)
		}
		return query.OrderBy("createdAt", firestore.Desc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	return toDomainOrders(docs), nil
}

func (r *OrderRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("order repository not initialised")
	}

	limit = clampListLimit(limit)
	cutoff := now.UTC()

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("status", "==", string(domain.OrderStatusPending)).
			Where("paymentStatus", "==", string(domain.PaymentStatusUnpaid)).
			Where("paymentMethod", "==", string(domain.PaymentMethodOnline)).
			Where("expiresAt", "<", cutoff).
			OrderBy("expiresAt", firestore.Asc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	return toDomainOrders(docs), nil
}

func (r *OrderRepository) ListActive(ctx context.Context, limit int) ([]domain.Order, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("order repository not initialised")
	}

	limit = clampListLimit(limit)
	active := []string{
		string(domain.OrderStatusPending),
		string(domain.OrderStatusProcessing),
		string(domain.OrderStatusShipped),
	}

	docs, err := r.orders.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("status", "in", active).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	return toDomainOrders(docs), nil
}

func clampListLimit(limit int) int {
	if limit <= 0 {
		return defaultOrderListLimit
	}
	if limit > maxOrderListLimit {
		return maxOrderListLimit
	}
	return limit
}

func toDomainOrders(docs []pfirestore.Document[orderDocument]) []domain.Order {
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	OrderNumber       string              `firestore:"orderNumber"`
	CustomerID        string              `firestore:"customerId"`
	ShippingAddressID string              `firestore:"shippingAddressId,omitempty"`
	Status            string              `firestore:"status"`
	PaymentStatus     string              `firestore:"paymentStatus"`
	PaymentMethod     string              `firestore:"paymentMethod,omitempty"`
	Subtotal          int64               `firestore:"subtotal"`
	Discount          int64               `firestore:"discount"`
	Tax               int64               `firestore:"tax"`
	ShippingCost      *int64              `firestore:"shippingCost,omitempty"`
	Total             int64               `firestore:"total"`
	Notes             string              `firestore:"notes,omitempty"`
	Items             []orderItemDocument `firestore:"items"`
	PlacedAt          *time.Time          `firestore:"placedAt,omitempty"`
	ExpiresAt         time.Time           `firestore:"expiresAt"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
	CreatedBy         *string             `firestore:"createdBy,omitempty"`
	UpdatedBy         *string             `firestore:"updatedBy,omitempty"`
}

type orderItemDocument struct {
	ProductID   string `firestore:"productId"`
	ProductName string `firestore:"productName"`
	UnitPrice   int64  `firestore:"unitPrice"`
	Discount    int64  `firestore:"discount"`
	Quantity    int    `firestore:"qty"`
	Total       int64  `firestore:"total"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID:   strings.TrimSpace(item.ProductID),
			ProductName: strings.TrimSpace(item.ProductName),
			UnitPrice:   item.UnitPrice,
			Discount:    item.Discount,
			Quantity:    item.Quantity,
			Total:       item.Total,
		}
	}
	doc := orderDocument{
		OrderNumber:       strings.TrimSpace(order.OrderNumber),
		CustomerID:        strings.TrimSpace(order.CustomerID),
		ShippingAddressID: strings.TrimSpace(order.ShippingAddressID),
		Status:            string(order.Status),
		PaymentStatus:     string(order.PaymentStatus),
		PaymentMethod:     string(order.PaymentMethod),
		Subtotal:          order.Subtotal,
		Discount:          order.Discount,
		Tax:               order.Tax,
		ShippingCost:      order.ShippingCost,
		Total:             order.Total,
		Notes:             strings.TrimSpace(order.Notes),
		Items:             items,
		ExpiresAt:         order.ExpiresAt.UTC(),
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
		CreatedBy:         order.Audit.CreatedBy,
		UpdatedBy:         order.Audit.UpdatedBy,
	}
	if order.PlacedAt != nil {
		placed := order.PlacedAt.UTC()
		doc.PlacedAt = &placed
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			UnitPrice:   item.UnitPrice,
			Discount:    item.Discount,
			Quantity:    item.Quantity,
			Total:       item.Total,
		}
	}
	return domain.Order{
		ID:                id,
		OrderNumber:       d.OrderNumber,
		CustomerID:        d.CustomerID,
		ShippingAddressID: d.ShippingAddressID,
		Status:            domain.OrderStatus(d.Status),
		PaymentStatus:     domain.PaymentStatus(d.PaymentStatus),
		PaymentMethod:     domain.PaymentMethod(d.PaymentMethod),
		Subtotal:          d.Subtotal,
		Discount:          d.Discount,
		Tax:               d.Tax,
		ShippingCost:      d.ShippingCost,
		Total:             d.Total,
		Notes:             d.Notes,
		Items:             items,
		PlacedAt:          d.PlacedAt,
		ExpiresAt:         d.ExpiresAt,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
		Audit: domain.OrderAudit{
			CreatedBy: d.CreatedBy,
			UpdatedBy: d.UpdatedBy,
		},
	}
}
