package services

import (
	"context"
	"time"

	domain "github.com/aftabshop/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderAudit         = domain.OrderAudit
	OrderStatus        = domain.OrderStatus
	PaymentStatus      = domain.PaymentStatus
	PaymentMethod      = domain.PaymentMethod
	OrderTransaction   = domain.OrderTransaction
	TransactionStatus  = domain.TransactionStatus
	Cart               = domain.Cart
	CartSummary        = domain.CartSummary
	Product            = domain.Product
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns the order lifecycle: creation from the cart, stock
// reservation, status and payment mutations, and expiry queries.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	UpdateFromCart(ctx context.Context, cmd UpdateOrderFromCartCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (Order, error)
	ListByCustomer(ctx context.Context, customerID string, filter OrderListFilter) ([]Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error)
	UpdatePaymentMethod(ctx context.Context, cmd UpdatePaymentMethodCommand) (Order, error)
	MarkAsPaid(ctx context.Context, cmd MarkOrderPaidCommand) (Order, error)
	GetExpiredOrders(ctx context.Context, limit int) ([]Order, error)
	GetActiveOrders(ctx context.Context, limit int) ([]Order, error)
	DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) error
	RemoveItem(ctx context.Context, cmd RemoveOrderItemCommand) (Order, error)
	ReserveStockForOrder(ctx context.Context, order Order) error
	RestoreStockForOrder(ctx context.Context, order Order) error
}

// CreateOrderCommand carries the inputs for creating an order from the
// customer's current cart.
type CreateOrderCommand struct {
	CustomerID        string
	ShippingAddressID string
	Notes             string
	ActorID           string
}

// UpdateOrderFromCartCommand resynchronises an order's line items with the
// customer's current cart.
type UpdateOrderFromCartCommand struct {
	OrderID    string
	CustomerID string
	ActorID    string
}

// OrderReadOptions scopes order reads. When CustomerID is set the read fails
// with ErrOrderForbidden unless the order belongs to that customer.
type OrderReadOptions struct {
	CustomerID string
}

// OrderListFilter narrows customer order listings.
type OrderListFilter struct {
	Status []OrderStatus
	Limit  int
}

// UpdateOrderStatusCommand requests a lifecycle status transition.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
	ActorID string
}

// UpdatePaymentStatusCommand overrides the settlement state of an order.
type UpdatePaymentStatusCommand struct {
	OrderID       string
	PaymentStatus PaymentStatus
	ActorID       string
}

// UpdatePaymentMethodCommand changes how an order will be settled.
type UpdatePaymentMethodCommand struct {
	OrderID       string
	PaymentMethod PaymentMethod
	ActorID       string
}

// MarkOrderPaidCommand settles an order, recording the method that paid it.
type MarkOrderPaidCommand struct {
	OrderID string
	Method  PaymentMethod
	ActorID string
}

// DeleteOrderCommand removes an order after restoring its reserved stock.
type DeleteOrderCommand struct {
	OrderID string
	ActorID string
}

// RemoveOrderItemCommand drops one line item, restoring its stock.
type RemoveOrderItemCommand struct {
	OrderID   string
	ProductID string
	ActorID   string
}

// PaymentService orchestrates gateway payments against the order ledger.
type PaymentService interface {
	// Pay opens (or reuses) a pending payment attempt and returns the
	// gateway redirect for the customer.
	Pay(ctx context.Context, cmd PayOrderCommand) (PaymentRedirect, error)
	// Verify settles a gateway callback, upserts the attempt ledger and
	// marks the order paid exactly once.
	Verify(ctx context.Context, cmd VerifyPaymentCommand) (PaymentVerification, error)
}

// PayOrderCommand identifies the order and gateway for a payment attempt.
type PayOrderCommand struct {
	OrderNumber string
	Gateway     string
	CustomerID  string
}

// PaymentRedirect is where the customer goes to complete a payment.
type PaymentRedirect struct {
	RedirectURL   string
	CorrelationID string
	TransactionID string
}

// VerifyPaymentCommand carries the gateway callback parameters.
type VerifyPaymentCommand struct {
	Gateway  string
	Callback map[string]string
}

// PaymentVerification is the settled outcome of a gateway callback.
type PaymentVerification struct {
	Verified      bool
	OrderID       string
	OrderNumber   string
	RefID         string
	TransactionID string
}

// SystemService exposes operational utilities such as dependency health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// OrderEvent captures the metadata emitted with order lifecycle events.
type OrderEvent struct {
	Type          string    `json:"type"`
	OrderID       string    `json:"orderId"`
	OrderNumber   string    `json:"orderNumber"`
	CustomerID    string    `json:"customerId"`
	Status        string    `json:"status,omitempty"`
	PaymentStatus string    `json:"paymentStatus,omitempty"`
	Total         int64     `json:"total"`
	OccurredAt    time.Time `json:"occurredAt"`
}
