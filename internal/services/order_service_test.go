package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/aftabshop/api/internal/domain"
	"github.com/aftabshop/api/internal/repositories"
)

// memStore backs the repository fakes with shared mutable state so stock
// round-trips across service calls can be asserted end to end.
type memStore struct {
	products map[string]domain.Product
	orders   map[string]domain.Order
	numbers  map[string]bool
	carts    map[string]domain.Cart
	cleared  []string
}

func newMemStore() *memStore {
	return &memStore{
		products: map[string]domain.Product{},
		orders:   map[string]domain.Order{},
		numbers:  map[string]bool{},
		carts:    map[string]domain.Cart{},
	}
}

type memOrderRepo struct {
	store *memStore
}

func (r *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	if _, ok := r.store.orders[order.ID]; ok {
		return errors.New("order already exists")
	}
	r.store.orders[order.ID] = order
	r.store.numbers[order.OrderNumber] = true
	return nil
}

func (r *memOrderRepo) Update(_ context.Context, order domain.Order) error {
	if _, ok := r.store.orders[order.ID]; !ok {
		return notFoundRepoError{}
	}
	r.store.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) Delete(_ context.Context, orderID string) error {
	delete(r.store.orders, orderID)
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := r.store.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundRepoError{}
	}
	return order, nil
}

func (r *memOrderRepo) FindByOrderNumber(_ context.Context, orderNumber string) (domain.Order, error) {
	for _, order := range r.store.orders {
		if order.OrderNumber == orderNumber {
			return order, nil
		}
	}
	return domain.Order{}, notFoundRepoError{}
}

func (r *memOrderRepo) OrderNumberExists(_ context.Context, orderNumber string) (bool, error) {
	return r.store.numbers[orderNumber], nil
}

func (r *memOrderRepo) ListByCustomer(_ context.Context, customerID string, filter repositories.OrderListFilter) ([]domain.Order, error) {
	var out []domain.Order
	for _, order := range r.store.orders {
		if order.CustomerID != customerID {
			continue
		}
		if len(filter.Status) > 0 && !slices.Contains(filter.Status, order.Status) {
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

func (r *memOrderRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, order := range r.store.orders {
		if order.Status == domain.OrderStatusPending && order.IsExpired(now) {
			out = append(out, order)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memOrderRepo) ListActive(_ context.Context, limit int) ([]domain.Order, error) {
	var out []domain.Order
	for _, order := range r.store.orders {
		switch order.Status {
		case domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusShipped:
			out = append(out, order)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type memProductRepo struct {
	store *memStore
}

func (r *memProductRepo) FindByID(_ context.Context, productID string) (domain.Product, error) {
	product, ok := r.store.products[productID]
	if !ok {
		return domain.Product{}, notFoundRepoError{}
	}
	return product, nil
}

func (r *memProductRepo) FindByIDs(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := map[string]domain.Product{}
	for _, id := range productIDs {
		if product, ok := r.store.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func (r *memProductRepo) ReserveStock(_ context.Context, lines []repositories.StockLine) error {
	for _, line := range lines {
		product, ok := r.store.products[line.ProductID]
		if !ok {
			return repositories.NewStockError(repositories.StockErrorProductNotFound, line.ProductID, line.ProductName, "product not found")
		}
		if !product.IsActive {
			return repositories.NewStockError(repositories.StockErrorProductInactive, product.ID, product.Name, "product is inactive")
		}
		if product.Stock < line.Quantity {
			return repositories.NewStockError(repositories.StockErrorInsufficient, product.ID, product.Name, "insufficient stock")
		}
	}
	for _, line := range lines {
		product := r.store.products[line.ProductID]
		product.Stock -= line.Quantity
		r.store.products[line.ProductID] = product
	}
	return nil
}

func (r *memProductRepo) RestoreStock(_ context.Context, lines []repositories.StockLine) error {
	for _, line := range lines {
		product, ok := r.store.products[line.ProductID]
		if !ok {
			continue
		}
		product.Stock += line.Quantity
		r.store.products[line.ProductID] = product
	}
	return nil
}

func (r *memProductRepo) AdjustStock(_ context.Context, deltas []repositories.StockDelta) error {
	for _, delta := range deltas {
		product, ok := r.store.products[delta.ProductID]
		if !ok {
			if delta.Delta > 0 {
				continue
			}
			return repositories.NewStockError(repositories.StockErrorProductNotFound, delta.ProductID, delta.ProductName, "product not found")
		}
		if delta.Delta < 0 {
			if !product.IsActive {
				return repositories.NewStockError(repositories.StockErrorProductInactive, product.ID, product.Name, "product is inactive")
			}
			if product.Stock+delta.Delta < 0 {
				return repositories.NewStockError(repositories.StockErrorInsufficient, product.ID, product.Name, "insufficient stock")
			}
		}
	}
	for _, delta := range deltas {
		product, ok := r.store.products[delta.ProductID]
		if !ok {
			continue
		}
		product.Stock += delta.Delta
		r.store.products[delta.ProductID] = product
	}
	return nil
}

type memCartRepo struct {
	store *memStore
}

func (r *memCartRepo) GetCart(_ context.Context, customerID string) (domain.Cart, error) {
	cart, ok := r.store.carts[customerID]
	if !ok {
		return domain.Cart{CustomerID: customerID}, nil
	}
	return cart, nil
}

func (r *memCartRepo) Summary(_ context.Context, customerID string) (domain.CartSummary, error) {
	summary := domain.CartSummary{CustomerID: customerID}
	cart := r.store.carts[customerID]
	for _, item := range cart.Items {
		product, ok := r.store.products[item.ProductID]
		if !ok || item.Quantity <= 0 {
			continue
		}
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

func (r *memCartRepo) ClearCart(_ context.Context, customerID string) error {
	delete(r.store.carts, customerID)
	r.store.cleared = append(r.store.cleared, customerID)
	return nil
}

type notFoundRepoError struct{}

func (notFoundRepoError) Error() string       { return "not found" }
func (notFoundRepoError) IsNotFound() bool    { return true }
func (notFoundRepoError) IsConflict() bool    { return false }
func (notFoundRepoError) IsUnavailable() bool { return false }

type conflictRepoError struct{}

func (conflictRepoError) Error() string       { return "conflict" }
func (conflictRepoError) IsNotFound() bool    { return false }
func (conflictRepoError) IsConflict() bool    { return true }
func (conflictRepoError) IsUnavailable() bool { return false }

type captureOrderEvents struct {
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) (string, error) {
	c.events = append(c.events, event)
	return "msg-1", nil
}

func (c *captureOrderEvents) types() []string {
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

var orderTestClock = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newOrderServiceForTest(t *testing.T, store *memStore) (OrderService, *captureOrderEvents) {
	t.Helper()
	events := &captureOrderEvents{}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   &memOrderRepo{store: store},
		Products: &memProductRepo{store: store},
		Carts:    &memCartRepo{store: store},
		Clock:    func() time.Time { return orderTestClock },
		Events:   events,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc, events
}

func seedProduct(store *memStore, id string, price, finalPrice int64, stock int) {
	store.products[id] = domain.Product{
		ID:         id,
		Name:       "Product " + id,
		Price:      price,
		FinalPrice: finalPrice,
		Stock:      stock,
		IsActive:   true,
	}
}

var orderNumberPattern = regexp.MustCompile(`^ORD-\d{8}-[A-Z0-9]{6}$`)

func TestCreateFromCartReservesStockAndPrices(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_1", 120, 100, 5)
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_1", Quantity: 2}}}
	svc, events := newOrderServiceForTest(t, store)

	order, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: "cust_1", ShippingAddressID: "addr_1", ActorID: "cust_1"})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}

	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("expected ord_ prefix, got %s", order.ID)
	}
	if !orderNumberPattern.MatchString(order.OrderNumber) {
		t.Fatalf("unexpected order number %s", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("unexpected lifecycle state: %s/%s", order.Status, order.PaymentStatus)
	}
	if order.Subtotal != 240 || order.Discount != 40 || order.Total != 200 {
		t.Fatalf("expected totals 240/40/200, got %d/%d/%d", order.Subtotal, order.Discount, order.Total)
	}
	if len(order.Items) != 1 || order.Items[0].UnitPrice != 120 || order.Items[0].Discount != 40 || order.Items[0].Total != 200 {
		t.Fatalf("unexpected items: %+v", order.Items)
	}
	if got := order.ExpiresAt; !got.Equal(orderTestClock.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", got)
	}
	if store.products["prod_1"].Stock != 3 {
		t.Fatalf("expected stock 3, got %d", store.products["prod_1"].Stock)
	}
	if _, ok := store.carts["cust_1"]; !ok {
		t.Fatalf("cart must survive order creation for later resync")
	}
	if got := events.types(); len(got) != 1 || got[0] != orderEventCreated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestCreateFromCartEmptyCart(t *testing.T) {
	store := newMemStore()
	svc, _ := newOrderServiceForTest(t, store)

	_, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: "cust_1"})
	if !errors.Is(err, ErrOrderEmptyCart) {
		t.Fatalf("expected ErrOrderEmptyCart, got %v", err)
	}
}

func TestCreateFromCartInsufficientStockNamesProduct(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_1", 100, 100, 1)
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_1", Quantity: 2}}}
	svc, _ := newOrderServiceForTest(t, store)

	_, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: "cust_1"})
	if !errors.Is(err, ErrOrderInsufficientStock) {
		t.Fatalf("expected ErrOrderInsufficientStock, got %v", err)
	}
	if !strings.Contains(err.Error(), "Product prod_1") {
		t.Fatalf("expected product name in error, got %v", err)
	}
	if store.products["prod_1"].Stock != 1 {
		t.Fatalf("stock must be untouched, got %d", store.products["prod_1"].Stock)
	}
}

func TestCreateFromCartInactiveProduct(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_1", 100, 100, 5)
	product := store.products["prod_1"]
	product.IsActive = false
	store.products["prod_1"] = product
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_1", Quantity: 1}}}
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: "cust_1"}); !errors.Is(err, ErrOrderInsufficientStock) {
		t.Fatalf("expected ErrOrderInsufficientStock, got %v", err)
	}
}

func TestCreateFromCartSanitisesNotes(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_1", 100, 100, 5)
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_1", Quantity: 1}}}
	svc, _ := newOrderServiceForTest(t, store)

	order, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{
		CustomerID: "cust_1",
		Notes:      `leave at door <script>alert("x")</script>`,
	})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}
	if order.Notes != "leave at door" {
		t.Fatalf("expected sanitised notes, got %q", order.Notes)
	}
}

func TestMarkAsPaidSetsProcessingAndClearsCart(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_1", 100, 100, 5)
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_1", Quantity: 2}}}
	svc, events := newOrderServiceForTest(t, store)

	order, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}

	paid, err := svc.MarkAsPaid(context.Background(), MarkOrderPaidCommand{OrderID: order.ID, Method: domain.PaymentMethodOnline, ActorID: "admin_1"})
	if err != nil {
		t.Fatalf("MarkAsPaid: %v", err)
	}
	if paid.PaymentStatus != domain.PaymentStatusPaid || paid.Status != domain.OrderStatusProcessing {
		t.Fatalf("unexpected state after paid: %s/%s", paid.Status, paid.PaymentStatus)
	}
	if paid.PaymentMethod != domain.PaymentMethodOnline {
		t.Fatalf("expected online method, got %s", paid.PaymentMethod)
	}
	if paid.PlacedAt == nil || !paid.PlacedAt.Equal(orderTestClock) {
		t.Fatalf("expected placedAt set to clock, got %v", paid.PlacedAt)
	}
	if !slices.Contains(store.cleared, "cust_1") {
		t.Fatalf("expected cart cleared after settlement")
	}
	if got := events.types(); got[len(got)-1] != orderEventPaid {
		t.Fatalf("expected order.paid event, got %v", got)
	}

	if _, err := svc.MarkAsPaid(context.Background(), MarkOrderPaidCommand{OrderID: order.ID, Method: domain.PaymentMethodOnline}); !errors.Is(err, ErrOrderInvalidPaymentStatus) {
		t.Fatalf("expected ErrOrderInvalidPaymentStatus on second settle, got %v", err)
	}
}

func TestMarkAsPaidRejectsUnknownMethod(t *testing.T) {
	store := newMemStore()
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.MarkAsPaid(context.Background(), MarkOrderPaidCommand{OrderID: "ord_x", Method: "cheque"}); !errors.Is(err, ErrOrderInvalidPaymentMethod) {
		t.Fatalf("expected ErrOrderInvalidPaymentMethod, got %v", err)
	}
}

func TestDeleteOrderRestoresStock(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_1", 120, 100, 5)
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_1", Quantity: 2}}}
	svc, _ := newOrderServiceForTest(t, store)

	order, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}
	if store.products["prod_1"].Stock != 3 {
		t.Fatalf("expected stock 3 after reserve, got %d", store.products["prod_1"].Stock)
	}

	if err := svc.DeleteOrder(context.Background(), DeleteOrderCommand{OrderID: order.ID}); err != nil {
		t.Fatalf("DeleteOrder: %v", err)
	}
	if store.products["prod_1"].Stock != 5 {
		t.Fatalf("expected stock back to 5, got %d", store.products["prod_1"].Stock)
	}
	if _, ok := store.orders[order.ID]; ok {
		t.Fatalf("expected order removed")
	}
}

func TestUpdateFromCartSwapsProducts(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_a", 100, 100, 5)
	seedProduct(store, "prod_b", 300, 250, 4)
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_a", Quantity: 2}}}
	svc, _ := newOrderServiceForTest(t, store)

	order, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}

	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_b", Quantity: 1}}}

	updated, err := svc.UpdateFromCart(context.Background(), UpdateOrderFromCartCommand{OrderID: order.ID, CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("UpdateFromCart: %v", err)
	}

	if store.products["prod_a"].Stock != 5 {
		t.Fatalf("expected prod_a restored to 5, got %d", store.products["prod_a"].Stock)
	}
	if store.products["prod_b"].Stock != 3 {
		t.Fatalf("expected prod_b reserved to 3, got %d", store.products["prod_b"].Stock)
	}
	if len(updated.Items) != 1 || updated.Items[0].ProductID != "prod_b" {
		t.Fatalf("unexpected items after resync: %+v", updated.Items)
	}
	if updated.Subtotal != 300 || updated.Discount != 50 || updated.Total != 250 {
		t.Fatalf("expected totals 300/50/250, got %d/%d/%d", updated.Subtotal, updated.Discount, updated.Total)
	}
	if updated.OrderNumber != order.OrderNumber {
		t.Fatalf("resync must keep the order number")
	}
}

func TestUpdateFromCartRejectsPaidOrder(t *testing.T) {
	store := newMemStore()
	store.orders["ord_1"] = domain.Order{ID: "ord_1", CustomerID: "cust_1", Status: domain.OrderStatusProcessing, PaymentStatus: domain.PaymentStatusPaid}
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.UpdateFromCart(context.Background(), UpdateOrderFromCartCommand{OrderID: "ord_1", CustomerID: "cust_1"}); !errors.Is(err, ErrOrderInvalidStatus) {
		t.Fatalf("expected ErrOrderInvalidStatus, got %v", err)
	}
}

func TestUpdateFromCartForbiddenForOtherCustomer(t *testing.T) {
	store := newMemStore()
	store.orders["ord_1"] = domain.Order{ID: "ord_1", CustomerID: "cust_1", Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusUnpaid}
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.UpdateFromCart(context.Background(), UpdateOrderFromCartCommand{OrderID: "ord_1", CustomerID: "cust_2"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestGetOrderScopesToCustomer(t *testing.T) {
	store := newMemStore()
	store.orders["ord_1"] = domain.Order{ID: "ord_1", CustomerID: "cust_1"}
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.GetOrder(context.Background(), "ord_1", OrderReadOptions{CustomerID: "cust_2"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), "ord_1", OrderReadOptions{CustomerID: "cust_1"}); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), "ord_missing", OrderReadOptions{}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestUpdateStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from    domain.OrderStatus
		to      domain.OrderStatus
		allowed bool
	}{
		{domain.OrderStatusPending, domain.OrderStatusProcessing, true},
		{domain.OrderStatusPending, domain.OrderStatusCancelled, true},
		{domain.OrderStatusPending, domain.OrderStatusExpired, true},
		{domain.OrderStatusPending, domain.OrderStatusShipped, false},
		{domain.OrderStatusPending, domain.OrderStatusDelivered, false},
		{domain.OrderStatusProcessing, domain.OrderStatusShipped, true},
		{domain.OrderStatusProcessing, domain.OrderStatusCancelled, true},
		{domain.OrderStatusProcessing, domain.OrderStatusDelivered, false},
		{domain.OrderStatusProcessing, domain.OrderStatusExpired, false},
		{domain.OrderStatusShipped, domain.OrderStatusDelivered, true},
		{domain.OrderStatusShipped, domain.OrderStatusReturned, true},
		{domain.OrderStatusShipped, domain.OrderStatusCancelled, false},
		{domain.OrderStatusDelivered, domain.OrderStatusReturned, true},
		{domain.OrderStatusDelivered, domain.OrderStatusShipped, false},
		{domain.OrderStatusCancelled, domain.OrderStatusPending, false},
		{domain.OrderStatusCancelled, domain.OrderStatusProcessing, false},
		{domain.OrderStatusReturned, domain.OrderStatusDelivered, false},
		{domain.OrderStatusExpired, domain.OrderStatusPending, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			store := newMemStore()
			store.orders["ord_1"] = domain.Order{ID: "ord_1", CustomerID: "cust_1", Status: tc.from}
			svc, _ := newOrderServiceForTest(t, store)

			order, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: tc.to})
			if tc.allowed {
				if err != nil {
					t.Fatalf("expected transition allowed: %v", err)
				}
				if order.Status != tc.to {
					t.Fatalf("expected status %s, got %s", tc.to, order.Status)
				}
				return
			}
			if !errors.Is(err, ErrOrderInvalidTransition) {
				t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
			}
		})
	}
}

func TestUpdateStatusSameStatusIsNoop(t *testing.T) {
	store := newMemStore()
	store.orders["ord_1"] = domain.Order{ID: "ord_1", Status: domain.OrderStatusProcessing, UpdatedAt: orderTestClock.Add(-time.Hour)}
	svc, _ := newOrderServiceForTest(t, store)

	order, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusProcessing})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !order.UpdatedAt.Equal(orderTestClock.Add(-time.Hour)) {
		t.Fatalf("same-status update must not touch the order")
	}
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	store := newMemStore()
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: "archived"}); !errors.Is(err, ErrOrderInvalidStatus) {
		t.Fatalf("expected ErrOrderInvalidStatus, got %v", err)
	}
}

func TestUpdatePaymentStatusValidatesEnum(t *testing.T) {
	store := newMemStore()
	store.orders["ord_1"] = domain.Order{ID: "ord_1"}
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.UpdatePaymentStatus(context.Background(), UpdatePaymentStatusCommand{OrderID: "ord_1", PaymentStatus: "settled"}); !errors.Is(err, ErrOrderInvalidPaymentStatus) {
		t.Fatalf("expected ErrOrderInvalidPaymentStatus, got %v", err)
	}

	order, err := svc.UpdatePaymentStatus(context.Background(), UpdatePaymentStatusCommand{OrderID: "ord_1", PaymentStatus: domain.PaymentStatusRefunded})
	if err != nil {
		t.Fatalf("UpdatePaymentStatus: %v", err)
	}
	if order.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", order.PaymentStatus)
	}
}

func TestUpdatePaymentMethodValidatesEnum(t *testing.T) {
	store := newMemStore()
	store.orders["ord_1"] = domain.Order{ID: "ord_1"}
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.UpdatePaymentMethod(context.Background(), UpdatePaymentMethodCommand{OrderID: "ord_1", PaymentMethod: "barter"}); !errors.Is(err, ErrOrderInvalidPaymentMethod) {
		t.Fatalf("expected ErrOrderInvalidPaymentMethod, got %v", err)
	}

	order, err := svc.UpdatePaymentMethod(context.Background(), UpdatePaymentMethodCommand{OrderID: "ord_1", PaymentMethod: domain.PaymentMethodP2P})
	if err != nil {
		t.Fatalf("UpdatePaymentMethod: %v", err)
	}
	if order.PaymentMethod != domain.PaymentMethodP2P {
		t.Fatalf("expected p2p, got %s", order.PaymentMethod)
	}
}

func TestRemoveItemRestoresStockAndRecomputes(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_a", 100, 100, 0)
	store.orders["ord_1"] = domain.Order{
		ID:     "ord_1",
		Status: domain.OrderStatusPending,
		Items: []domain.OrderItem{
			{ProductID: "prod_a", ProductName: "Product prod_a", UnitPrice: 100, Quantity: 2, Total: 200},
			{ProductID: "prod_b", ProductName: "Product prod_b", UnitPrice: 50, Quantity: 1, Total: 50},
		},
		Subtotal: 250,
		Total:    250,
	}
	svc, _ := newOrderServiceForTest(t, store)

	order, err := svc.RemoveItem(context.Background(), RemoveOrderItemCommand{OrderID: "ord_1", ProductID: "prod_a"})
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if store.products["prod_a"].Stock != 2 {
		t.Fatalf("expected stock restored to 2, got %d", store.products["prod_a"].Stock)
	}
	if len(order.Items) != 1 || order.Items[0].ProductID != "prod_b" {
		t.Fatalf("unexpected items: %+v", order.Items)
	}
	if order.Subtotal != 50 || order.Total != 50 {
		t.Fatalf("expected recomputed totals 50, got %d/%d", order.Subtotal, order.Total)
	}

	if _, err := svc.RemoveItem(context.Background(), RemoveOrderItemCommand{OrderID: "ord_1", ProductID: "prod_missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for missing line, got %v", err)
	}
}

func TestRemoveItemIncludesShippingInTotal(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_a", 100, 100, 0)
	shipping := int64(40)
	store.orders["ord_1"] = domain.Order{
		ID: "ord_1",
		Items: []domain.OrderItem{
			{ProductID: "prod_a", UnitPrice: 100, Quantity: 1, Total: 100},
			{ProductID: "prod_b", UnitPrice: 60, Quantity: 1, Total: 60},
		},
		Subtotal:     160,
		ShippingCost: &shipping,
		Total:        200,
	}
	svc, _ := newOrderServiceForTest(t, store)

	order, err := svc.RemoveItem(context.Background(), RemoveOrderItemCommand{OrderID: "ord_1", ProductID: "prod_a"})
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if order.Total != 100 {
		t.Fatalf("expected total 100 (60 + shipping 40), got %d", order.Total)
	}
}

func TestListByCustomerValidatesStatusFilter(t *testing.T) {
	store := newMemStore()
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.ListByCustomer(context.Background(), "cust_1", OrderListFilter{Status: []domain.OrderStatus{"archived"}}); !errors.Is(err, ErrOrderInvalidStatus) {
		t.Fatalf("expected ErrOrderInvalidStatus, got %v", err)
	}
}

func TestGenerateOrderNumberUniqueAcrossManyDraws(t *testing.T) {
	store := newMemStore()
	svc, _ := newOrderServiceForTest(t, store)
	impl := svc.(*orderService)

	seen := map[string]bool{}
	for i := 0; i < 10000; i++ {
		number, err := impl.generateOrderNumber(context.Background(), orderTestClock)
		if err != nil {
			t.Fatalf("generateOrderNumber: %v", err)
		}
		if !orderNumberPattern.MatchString(number) {
			t.Fatalf("malformed order number %s", number)
		}
		if seen[number] {
			t.Fatalf("duplicate order number %s after %d draws", number, i)
		}
		seen[number] = true
		store.numbers[number] = true
	}
}

func TestGenerateOrderNumberRetriesOnCollision(t *testing.T) {
	store := newMemStore()
	svc, _ := newOrderServiceForTest(t, store)
	impl := svc.(*orderService)

	// Pre-burn nothing; a fresh draw must never report exhaustion.
	number, err := impl.generateOrderNumber(context.Background(), orderTestClock)
	if err != nil {
		t.Fatalf("generateOrderNumber: %v", err)
	}
	if !strings.HasPrefix(number, "ORD-"+orderTestClock.Format("20060102")+"-") {
		t.Fatalf("expected day-scoped number, got %s", number)
	}
}

func TestNewOrderServiceValidatesDeps(t *testing.T) {
	store := newMemStore()
	if _, err := NewOrderService(OrderServiceDeps{Products: &memProductRepo{store: store}, Carts: &memCartRepo{store: store}}); err == nil {
		t.Fatalf("expected error when order repository missing")
	}
	if _, err := NewOrderService(OrderServiceDeps{Orders: &memOrderRepo{store: store}, Carts: &memCartRepo{store: store}}); err == nil {
		t.Fatalf("expected error when product repository missing")
	}
	if _, err := NewOrderService(OrderServiceDeps{Orders: &memOrderRepo{store: store}, Products: &memProductRepo{store: store}}); err == nil {
		t.Fatalf("expected error when cart repository missing")
	}
}

// countingProductRepo wraps the in-memory fake and records which stock
// primitives a flow touched.
type countingProductRepo struct {
	*memProductRepo
	adjusts  [][]repositories.StockDelta
	reserves int
	restores int
}

func (r *countingProductRepo) ReserveStock(ctx context.Context, lines []repositories.StockLine) error {
	r.reserves++
	return r.memProductRepo.ReserveStock(ctx, lines)
}

func (r *countingProductRepo) RestoreStock(ctx context.Context, lines []repositories.StockLine) error {
	r.restores++
	return r.memProductRepo.RestoreStock(ctx, lines)
}

func (r *countingProductRepo) AdjustStock(ctx context.Context, deltas []repositories.StockDelta) error {
	r.adjusts = append(r.adjusts, slices.Clone(deltas))
	return r.memProductRepo.AdjustStock(ctx, deltas)
}

func TestUpdateFromCartNetsStockDeltasInOnePass(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_a", 100, 100, 3)
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_a", Quantity: 2}}}

	products := &countingProductRepo{memProductRepo: &memProductRepo{store: store}}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   &memOrderRepo{store: store},
		Products: products,
		Carts:    &memCartRepo{store: store},
		Clock:    func() time.Time { return orderTestClock },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	order, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}
	if store.products["prod_a"].Stock != 1 {
		t.Fatalf("expected stock 1 after create, got %d", store.products["prod_a"].Stock)
	}

	// Raising the quantity from 2 to 3 with a raw stock of 1 must pass: the
	// order already holds 2, so the net movement is a single -1.
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_a", Quantity: 3}}}
	products.reserves, products.restores = 0, 0

	updated, err := svc.UpdateFromCart(context.Background(), UpdateOrderFromCartCommand{OrderID: order.ID, CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("UpdateFromCart: %v", err)
	}
	if store.products["prod_a"].Stock != 0 {
		t.Fatalf("expected stock 0 after resync, got %d", store.products["prod_a"].Stock)
	}
	if updated.Items[0].Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", updated.Items[0].Quantity)
	}
	if len(products.adjusts) != 1 {
		t.Fatalf("expected one stock adjustment pass, got %d", len(products.adjusts))
	}
	if deltas := products.adjusts[0]; len(deltas) != 1 || deltas[0].ProductID != "prod_a" || deltas[0].Delta != -1 {
		t.Fatalf("unexpected deltas %+v", products.adjusts[0])
	}
	if products.reserves != 0 || products.restores != 0 {
		t.Fatalf("resync must not fall back to reserve/restore, got %d/%d", products.reserves, products.restores)
	}
}

func TestUpdateFromCartUnchangedQuantityTouchesNoStock(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_a", 100, 100, 2)
	store.carts["cust_1"] = domain.Cart{CustomerID: "cust_1", Items: []domain.CartItem{{ProductID: "prod_a", Quantity: 2}}}

	products := &countingProductRepo{memProductRepo: &memProductRepo{store: store}}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   &memOrderRepo{store: store},
		Products: products,
		Carts:    &memCartRepo{store: store},
		Clock:    func() time.Time { return orderTestClock },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	order, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: "cust_1"})
	if err != nil {
		t.Fatalf("CreateFromCart: %v", err)
	}

	if _, err := svc.UpdateFromCart(context.Background(), UpdateOrderFromCartCommand{OrderID: order.ID, CustomerID: "cust_1"}); err != nil {
		t.Fatalf("UpdateFromCart: %v", err)
	}
	if len(products.adjusts) != 1 || len(products.adjusts[0]) != 0 {
		t.Fatalf("unchanged cart must net to zero deltas, got %+v", products.adjusts)
	}
	if store.products["prod_a"].Stock != 0 {
		t.Fatalf("expected stock unchanged at 0, got %d", store.products["prod_a"].Stock)
	}
}

func TestUpdateStatusCancelReleasesUnpaidReservation(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_a", 100, 100, 0)
	store.orders["ord_1"] = domain.Order{
		ID:            "ord_1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusUnpaid,
		Items:         []domain.OrderItem{{ProductID: "prod_a", Quantity: 2}},
	}
	svc, _ := newOrderServiceForTest(t, store)

	order, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusCancelled})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", order.Status)
	}
	if store.products["prod_a"].Stock != 2 {
		t.Fatalf("expected reservation released to 2, got %d", store.products["prod_a"].Stock)
	}
}

func TestUpdateStatusCancelKeepsPaidStock(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_a", 100, 100, 0)
	store.orders["ord_1"] = domain.Order{
		ID:            "ord_1",
		Status:        domain.OrderStatusProcessing,
		PaymentStatus: domain.PaymentStatusPaid,
		Items:         []domain.OrderItem{{ProductID: "prod_a", Quantity: 2}},
	}
	svc, _ := newOrderServiceForTest(t, store)

	if _, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{OrderID: "ord_1", Status: domain.OrderStatusCancelled}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if store.products["prod_a"].Stock != 0 {
		t.Fatalf("paid stock is sold, must stay 0, got %d", store.products["prod_a"].Stock)
	}
}

func TestGetActiveOrdersExcludesPastDeadlineUnpaid(t *testing.T) {
	store := newMemStore()
	store.orders["ord_live"] = domain.Order{
		ID:            "ord_live",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusUnpaid,
		PaymentMethod: domain.PaymentMethodOnline,
		ExpiresAt:     orderTestClock.Add(10 * time.Minute),
	}
	store.orders["ord_stale"] = domain.Order{
		ID:            "ord_stale",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusUnpaid,
		PaymentMethod: domain.PaymentMethodOnline,
		ExpiresAt:     orderTestClock.Add(-10 * time.Minute),
	}
	svc, _ := newOrderServiceForTest(t, store)

	active, err := svc.GetActiveOrders(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetActiveOrders: %v", err)
	}
	if len(active) != 1 || active[0].ID != "ord_live" {
		t.Fatalf("expected only the live order, got %+v", active)
	}
}

// serialUnitOfWork serialises transaction bodies the way the storage backend
// serialises conflicting transactions.
type serialUnitOfWork struct {
	mu sync.Mutex
}

func (u *serialUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return fn(ctx)
}

func TestCreateFromCartConcurrentNeverOversells(t *testing.T) {
	store := newMemStore()
	seedProduct(store, "prod_a", 100, 100, 5)

	const buyers = 20
	for i := 0; i < buyers; i++ {
		customerID := fmt.Sprintf("cust_%d", i)
		store.carts[customerID] = domain.Cart{CustomerID: customerID, Items: []domain.CartItem{{ProductID: "prod_a", Quantity: 1}}}
	}

	svc, err := NewOrderService(OrderServiceDeps{
		Orders:     &memOrderRepo{store: store},
		Products:   &memProductRepo{store: store},
		Carts:      &memCartRepo{store: store},
		UnitOfWork: &serialUnitOfWork{},
		Clock:      func() time.Time { return orderTestClock },
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}

	var wg sync.WaitGroup
	var created, rejected atomic.Int32
	for i := 0; i < buyers; i++ {
		customerID := fmt.Sprintf("cust_%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateFromCart(context.Background(), CreateOrderCommand{CustomerID: customerID})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrOrderInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := created.Load(); got != 5 {
		t.Fatalf("expected exactly 5 orders for a stock of 5, got %d", got)
	}
	if got := rejected.Load(); got != buyers-5 {
		t.Fatalf("expected %d rejections, got %d", buyers-5, got)
	}
	if stock := store.products["prod_a"].Stock; stock != 0 {
		t.Fatalf("expected stock drained to 0, got %d", stock)
	}
}

var (
	_ repositories.OrderRepository   = (*memOrderRepo)(nil)
	_ repositories.ProductRepository = (*memProductRepo)(nil)
	_ repositories.CartRepository    = (*memCartRepo)(nil)
)
