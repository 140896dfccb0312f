package domain

import (
	"time"
)

// OrderStatus enumerates lifecycle states for an order.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment or confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates the order is confirmed and being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the carrier confirmed delivery.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before fulfilment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturned indicates the customer returned the order.
	OrderStatusReturned OrderStatus = "returned"
	// OrderStatusExpired indicates the checkout window elapsed without payment.
	OrderStatusExpired OrderStatus = "expired"
)

// PaymentStatus enumerates settlement states for an order.
type PaymentStatus string

const (
	// PaymentStatusUnpaid indicates no verified payment exists for the order.
	PaymentStatusUnpaid PaymentStatus = "unpaid"
	// PaymentStatusPaid indicates a payment was verified or recorded manually.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusRefunded indicates the settled amount was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentMethod enumerates how a customer settles an order.
type PaymentMethod string

const (
	// PaymentMethodAtDelivery is cash or card on delivery.
	PaymentMethodAtDelivery PaymentMethod = "at_delivery"
	// PaymentMethodP2P is a direct bank transfer settled out of band.
	PaymentMethodP2P PaymentMethod = "p2p"
	// PaymentMethodOnline is a gateway-backed online payment.
	PaymentMethodOnline PaymentMethod = "online"
)

// TransactionStatus enumerates ledger states for a payment attempt.
type TransactionStatus string

const (
	// TransactionStatusPending indicates the gateway issued a redirect and awaits the customer.
	TransactionStatusPending TransactionStatus = "pending"
	// TransactionStatusSuccess indicates the gateway verified the payment.
	TransactionStatusSuccess TransactionStatus = "success"
	// TransactionStatusFailed indicates verification failed or the customer aborted.
	TransactionStatusFailed TransactionStatus = "failed"
	// TransactionStatusRefunded indicates the gateway reversed the payment.
	TransactionStatusRefunded TransactionStatus = "refunded"
	// TransactionStatusExpired indicates the attempt outlived its reuse window.
	TransactionStatusExpired TransactionStatus = "expired"
)

// Order aggregates one checkout attempt with its embedded line items.
type Order struct {
	ID                string
	OrderNumber       string
	CustomerID        string
	ShippingAddressID string
	Status            OrderStatus
	PaymentStatus     PaymentStatus
	PaymentMethod     PaymentMethod
	Subtotal          int64
	Discount          int64
	Tax               int64
	ShippingCost      *int64
	Total             int64
	Notes             string
	Items             []OrderItem
	PlacedAt          *time.Time
	ExpiresAt         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Audit             OrderAudit
}

// OrderAudit records which actor created or last touched the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// IsExpired reports whether the order is past its checkout window while still
// awaiting an online payment.
func (o Order) IsExpired(now time.Time) bool {
	return o.PaymentStatus == PaymentStatusUnpaid &&
		o.PaymentMethod == PaymentMethodOnline &&
		now.After(o.ExpiresAt)
}

// OrderItem is an immutable snapshot of one product at order creation or
// resync time. UnitPrice is the list price; Discount is the line's total
// discount, so Total = UnitPrice*Quantity - Discount.
type OrderItem struct {
	ProductID   string
	ProductName string
	UnitPrice   int64
	Discount    int64
	Quantity    int
	Total       int64
}

// OrderTransaction is one payment attempt against one gateway.
type OrderTransaction struct {
	ID            string
	OrderID       string
	Gateway       string
	CorrelationID string
	Status        TransactionStatus
	PaymentMethod PaymentMethod
	Amount        int64
	Meta          TransactionMeta
	Payload       map[string]any
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransactionMeta keeps the request-side context for a payment attempt.
type TransactionMeta struct {
	CallbackURL string
	ExpiresAt   time.Time
}

// IsReusable reports whether a pending attempt may be handed back to the
// customer instead of opening a new one with the gateway.
func (t OrderTransaction) IsReusable(now time.Time) bool {
	return t.Status == TransactionStatusPending && now.Before(t.Meta.ExpiresAt)
}

// Product carries the catalog fields the order core reads and the stock it owns.
type Product struct {
	ID         string
	Name       string
	Price      int64
	FinalPrice int64
	Stock      int
	IsActive   bool
	UpdatedAt  time.Time
}

// Cart is the mutable per-customer shopping cart.
type Cart struct {
	CustomerID string
	Items      []CartItem
	UpdatedAt  time.Time
}

// CartItem stores a single product entry within a cart.
type CartItem struct {
	ProductID string
	Quantity  int
}

// CartSummary is the priced view of a cart computed against live product data.
type CartSummary struct {
	CustomerID    string
	Lines         []CartLine
	Subtotal      int64
	FinalSubtotal int64
	TotalDiscount int64
	TotalQuantity int
}

// CartLine joins a cart item with the product snapshot used to price it.
type CartLine struct {
	ProductID   string
	ProductName string
	UnitPrice   int64
	FinalPrice  int64
	Quantity    int
	Stock       int
	IsActive    bool
}

// IsEmpty reports whether the summary carries no purchasable lines.
func (s CartSummary) IsEmpty() bool {
	return len(s.Lines) == 0
}
