package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/aftabshop/api/internal/domain"
	"github.com/aftabshop/api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventUpdated       = "order.updated"
	orderEventStatusChanged = "order.status.changed"
	orderEventPaid          = "order.paid"
	orderEventDeleted       = "order.deleted"

	orderIDPrefix = "ord_"

	defaultCheckoutTTL = 15 * time.Minute

	orderNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	orderNumberSuffix   = 6
	orderNumberAttempts = 10
)

var (
	// ErrOrderEmptyCart indicates the customer cart has no purchasable lines.
	ErrOrderEmptyCart = errors.New("order: cart is empty")
	// ErrOrderInsufficientStock indicates a line exceeds the available stock.
	ErrOrderInsufficientStock = errors.New("order: insufficient stock")
	// ErrOrderInvalidStatus indicates an unknown or inapplicable order status.
	ErrOrderInvalidStatus = errors.New("order: invalid status")
	// ErrOrderInvalidPaymentStatus indicates an unknown or inapplicable payment status.
	ErrOrderInvalidPaymentStatus = errors.New("order: invalid payment status")
	// ErrOrderInvalidPaymentMethod indicates an unknown payment method.
	ErrOrderInvalidPaymentMethod = errors.New("order: invalid payment method")
	// ErrOrderInvalidTransition indicates the status change violates the lifecycle.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the requester does not own the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderConflict indicates duplicate inserts or concurrent update conflicts.
	ErrOrderConflict = errors.New("order: conflict")
)

// orderStatusTransitions is the enforced lifecycle. Cancelled, returned and
// expired are terminal.
var orderStatusTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled, domain.OrderStatusExpired},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusReturned},
	domain.OrderStatusDelivered:  {domain.OrderStatusReturned},
}

var validOrderStatuses = []domain.OrderStatus{
	domain.OrderStatusPending,
	domain.OrderStatusProcessing,
	domain.OrderStatusShipped,
	domain.OrderStatusDelivered,
	domain.OrderStatusCancelled,
	domain.OrderStatusReturned,
	domain.OrderStatusExpired,
}

var validPaymentStatuses = []domain.PaymentStatus{
	domain.PaymentStatusUnpaid,
	domain.PaymentStatusPaid,
	domain.PaymentStatusRefunded,
}

var validPaymentMethods = []domain.PaymentMethod{
	domain.PaymentMethodAtDelivery,
	domain.PaymentMethodP2P,
	domain.PaymentMethodOnline,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Products    repositories.ProductRepository
	Carts       repositories.CartRepository
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	CheckoutTTL time.Duration
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders      repositories.OrderRepository
	products    repositories.ProductRepository
	carts       repositories.CartRepository
	unitOfWork  repositories.UnitOfWork
	clock       func() time.Time
	newID       func() string
	checkoutTTL time.Duration
	events      OrderEventPublisher
	logger      func(context.Context, string, map[string]any)
	sanitize    *bluemonday.Policy
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	checkoutTTL := deps.CheckoutTTL
	if checkoutTTL <= 0 {
		checkoutTTL = defaultCheckoutTTL
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		products:   deps.Products,
		carts:      deps.Carts,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		checkoutTTL: checkoutTTL,
		events:      deps.Events,
		logger:      logger,
		sanitize:    bluemonday.StrictPolicy(),
	}, nil
}

func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return Order{}, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	order := Order{
		ID:                s.nextOrderID(),
		CustomerID:        customerID,
		ShippingAddressID: strings.TrimSpace(cmd.ShippingAddressID),
		Notes:             s.sanitizeNotes(cmd.Notes),
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusUnpaid,
		ExpiresAt:         now.Add(s.checkoutTTL),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.CreatedBy = valuePtr(actor)
		order.Audit.UpdatedBy = valuePtr(actor)
	}

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		summary, err := s.carts.Summary(txCtx, customerID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if summary.IsEmpty() {
			return fmt.Errorf("%w: customer %s", ErrOrderEmptyCart, customerID)
		}

		items, lines := buildOrderLines(summary)
		order.Items = items
		order.Subtotal = summary.Subtotal
		order.Discount = summary.TotalDiscount
		order.Tax = 0
		recomputeTotal(&order)

		number, err := s.generateOrderNumber(txCtx, now)
		if err != nil {
			return err
		}
		order.OrderNumber = number

		if err := s.products.ReserveStock(txCtx, lines); err != nil {
			return s.mapStockError(err)
		}
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, orderEventCreated, order, now)
	return order, nil
}

func (s *orderService) UpdateFromCart(ctx context.Context, cmd UpdateOrderFromCartCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	customerID := strings.TrimSpace(cmd.CustomerID)

	var order Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if customerID != "" && order.CustomerID != customerID {
			return fmt.Errorf("%w: order %s", ErrOrderForbidden, orderID)
		}
		if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusUnpaid {
			return fmt.Errorf("%w: only pending unpaid orders can be resynced", ErrOrderInvalidStatus)
		}

		summary, err := s.carts.Summary(txCtx, order.CustomerID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if summary.IsEmpty() {
			return fmt.Errorf("%w: customer %s", ErrOrderEmptyCart, order.CustomerID)
		}

		// Fold the release of the old snapshot and the reservation of the
		// new one into net per-product deltas so each product is read and
		// written once, and a quantity change within the same product is
		// judged against the combined amount.
		items, lines := buildOrderLines(summary)
		if err := s.products.AdjustStock(txCtx, netStockDeltas(order.Items, lines)); err != nil {
			return s.mapStockError(err)
		}

		now := s.now()
		order.Items = items
		order.Subtotal = summary.Subtotal
		order.Discount = summary.TotalDiscount
		recomputeTotal(&order)
		order.UpdatedAt = now
		if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
			order.Audit.UpdatedBy = valuePtr(actor)
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, orderEventUpdated, order, order.UpdatedAt)
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if scope := strings.TrimSpace(opts.CustomerID); scope != "" && order.CustomerID != scope {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderForbidden, orderID)
	}
	return order, nil
}

func (s *orderService) GetByNumber(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListByCustomer(ctx context.Context, customerID string, filter OrderListFilter) ([]Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	for _, status := range filter.Status {
		if !slices.Contains(validOrderStatuses, status) {
			return nil, fmt.Errorf("%w: %q", ErrOrderInvalidStatus, status)
		}
	}

	orders, err := s.orders.ListByCustomer(ctx, customerID, repositories.OrderListFilter{
		Status: filter.Status,
		Limit:  filter.Limit,
	})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !slices.Contains(validOrderStatuses, cmd.Status) {
		return Order{}, fmt.Errorf("%w: %q", ErrOrderInvalidStatus, cmd.Status)
	}

	var order Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.Status == cmd.Status {
			return nil
		}
		if !canTransition(order.Status, cmd.Status) {
			return fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, order.Status, cmd.Status)
		}

		// An unpaid order leaving the lifecycle gives its reservation back;
		// a paid one keeps it, the goods are sold.
		if releasesStock(cmd.Status) && order.PaymentStatus == domain.PaymentStatusUnpaid {
			if err := s.products.RestoreStock(txCtx, stockLinesFromItems(order.Items)); err != nil {
				return s.mapStockError(err)
			}
		}

		order.Status = cmd.Status
		order.UpdatedAt = s.now()
		if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
			order.Audit.UpdatedBy = valuePtr(actor)
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, orderEventStatusChanged, order, order.UpdatedAt)
	return order, nil
}

func (s *orderService) UpdatePaymentStatus(ctx context.Context, cmd UpdatePaymentStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !slices.Contains(validPaymentStatuses, cmd.PaymentStatus) {
		return Order{}, fmt.Errorf("%w: %q", ErrOrderInvalidPaymentStatus, cmd.PaymentStatus)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	order.PaymentStatus = cmd.PaymentStatus
	order.UpdatedAt = s.now()
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.UpdatedBy = valuePtr(actor)
	}
	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) UpdatePaymentMethod(ctx context.Context, cmd UpdatePaymentMethodCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !slices.Contains(validPaymentMethods, cmd.PaymentMethod) {
		return Order{}, fmt.Errorf("%w: %q", ErrOrderInvalidPaymentMethod, cmd.PaymentMethod)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}

	order.PaymentMethod = cmd.PaymentMethod
	order.UpdatedAt = s.now()
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
		order.Audit.UpdatedBy = valuePtr(actor)
	}
	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) MarkAsPaid(ctx context.Context, cmd MarkOrderPaidCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !slices.Contains(validPaymentMethods, cmd.Method) {
		return Order{}, fmt.Errorf("%w: %q", ErrOrderInvalidPaymentMethod, cmd.Method)
	}

	var order Order
	now := s.now()
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if order.PaymentStatus == domain.PaymentStatusPaid {
			return fmt.Errorf("%w: order %s is already paid", ErrOrderInvalidPaymentStatus, orderID)
		}

		order.PaymentStatus = domain.PaymentStatusPaid
		order.PaymentMethod = cmd.Method
		order.Status = domain.OrderStatusProcessing
		order.PlacedAt = &now
		order.UpdatedAt = now
		if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
			order.Audit.UpdatedBy = valuePtr(actor)
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		// A settled checkout empties the cart it came from.
		if err := s.carts.ClearCart(txCtx, order.CustomerID); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, orderEventPaid, order, now)
	return order, nil
}

func (s *orderService) GetExpiredOrders(ctx context.Context, limit int) ([]Order, error) {
	orders, err := s.orders.ListExpired(ctx, s.now(), limit)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) GetActiveOrders(ctx context.Context, limit int) ([]Order, error) {
	orders, err := s.orders.ListActive(ctx, limit)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	// A past-deadline unpaid online order is the reclaimer's, not active,
	// even while it still sits in the pending status.
	now := s.now()
	out := orders[:0]
	for _, order := range orders {
		if order.IsExpired(now) {
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

func (s *orderService) DeleteOrder(ctx context.Context, cmd DeleteOrderCommand) error {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var order Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.products.RestoreStock(txCtx, stockLinesFromItems(order.Items)); err != nil {
			return s.mapStockError(err)
		}
		if err := s.orders.Delete(txCtx, orderID); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishEvent(ctx, orderEventDeleted, order, s.now())
	return nil
}

func (s *orderService) RemoveItem(ctx context.Context, cmd RemoveOrderItemCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	productID := strings.TrimSpace(cmd.ProductID)
	if orderID == "" || productID == "" {
		return Order{}, fmt.Errorf("%w: order id and product id are required", ErrOrderInvalidInput)
	}

	var order Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		order, err = s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}

		index := slices.IndexFunc(order.Items, func(item OrderItem) bool {
			return item.ProductID == productID
		})
		if index < 0 {
			return fmt.Errorf("%w: order %s has no item for product %s", ErrOrderNotFound, orderID, productID)
		}
		removed := order.Items[index]

		if err := s.products.RestoreStock(txCtx, []repositories.StockLine{{
			ProductID:   removed.ProductID,
			ProductName: removed.ProductName,
			Quantity:    removed.Quantity,
		}}); err != nil {
			return s.mapStockError(err)
		}

		order.Items = slices.Delete(slices.Clone(order.Items), index, index+1)
		order.Subtotal -= removed.UnitPrice * int64(removed.Quantity)
		order.Discount -= removed.Discount
		recomputeTotal(&order)
		order.UpdatedAt = s.now()
		if actor := strings.TrimSpace(cmd.ActorID); actor != "" {
			order.Audit.UpdatedBy = valuePtr(actor)
		}

		if err := s.orders.Update(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, orderEventUpdated, order, order.UpdatedAt)
	return order, nil
}

func (s *orderService) ReserveStockForOrder(ctx context.Context, order Order) error {
	if err := s.products.ReserveStock(ctx, stockLinesFromItems(order.Items)); err != nil {
		return s.mapStockError(err)
	}
	return nil
}

func (s *orderService) RestoreStockForOrder(ctx context.Context, order Order) error {
	if err := s.products.RestoreStock(ctx, stockLinesFromItems(order.Items)); err != nil {
		return s.mapStockError(err)
	}
	return nil
}

// generateOrderNumber allocates a day-scoped order number with a random
// suffix, retrying on the rare collision. Numbers are never reused: deleted
// orders leave their number burned.
func (s *orderService) generateOrderNumber(ctx context.Context, now time.Time) (string, error) {
	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		suffix, err := randomOrderSuffix(orderNumberSuffix)
		if err != nil {
			return "", fmt.Errorf("order: generate number: %w", err)
		}
		number := fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)

		exists, err := s.orders.OrderNumberExists(ctx, number)
		if err != nil {
			return "", s.mapRepositoryError(err)
		}
		if !exists {
			return number, nil
		}
	}
	return "", fmt.Errorf("%w: unable to allocate a unique order number", ErrOrderConflict)
}

func randomOrderSuffix(length int) (string, error) {
	max := big.NewInt(int64(len(orderNumberAlphabet)))
	suffix := make([]byte, length)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		suffix[i] = orderNumberAlphabet[n.Int64()]
	}
	return string(suffix), nil
}

func (s *orderService) sanitizeNotes(notes string) string {
	return strings.TrimSpace(s.sanitize.Sanitize(notes))
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) mapStockError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		name := stockErr.ProductName
		if name == "" {
			name = stockErr.ProductID
		}
		switch stockErr.Code {
		case repositories.StockErrorInsufficient, repositories.StockErrorProductInactive:
			return fmt.Errorf("%w: %s", ErrOrderInsufficientStock, name)
		case repositories.StockErrorProductNotFound:
			return fmt.Errorf("%w: product %s", ErrOrderNotFound, name)
		}
	}

	return s.mapRepositoryError(err)
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, eventType string, order Order, occurredAt time.Time) {
	if s.events == nil {
		return
	}
	_, err := s.events.PublishOrderEvent(ctx, OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CustomerID:    order.CustomerID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Total:         order.Total,
		OccurredAt:    occurredAt,
	})
	if err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":  eventType,
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// buildOrderLines snapshots cart lines into order items at the list price
// with the line discount recorded alongside, plus the stock lines to reserve
// for them.
func buildOrderLines(summary CartSummary) ([]OrderItem, []repositories.StockLine) {
	items := make([]OrderItem, 0, len(summary.Lines))
	lines := make([]repositories.StockLine, 0, len(summary.Lines))
	for _, line := range summary.Lines {
		qty := int64(line.Quantity)
		items = append(items, OrderItem{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			UnitPrice:   line.UnitPrice,
			Discount:    (line.UnitPrice - line.FinalPrice) * qty,
			Quantity:    line.Quantity,
			Total:       line.FinalPrice * qty,
		})
		lines = append(lines, repositories.StockLine{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
		})
	}
	return items, lines
}

// netStockDeltas folds the lines an order currently holds and the lines it
// is about to hold into one signed delta per product, keyed in first-seen
// order. A product kept at the same quantity nets to zero and drops out.
func netStockDeltas(held []OrderItem, wanted []repositories.StockLine) []repositories.StockDelta {
	index := make(map[string]int, len(held)+len(wanted))
	deltas := make([]repositories.StockDelta, 0, len(held)+len(wanted))

	add := func(productID, productName string, delta int) {
		if i, ok := index[productID]; ok {
			deltas[i].Delta += delta
			if deltas[i].ProductName == "" {
				deltas[i].ProductName = productName
			}
			return
		}
		index[productID] = len(deltas)
		deltas = append(deltas, repositories.StockDelta{
			ProductID:   productID,
			ProductName: productName,
			Delta:       delta,
		})
	}

	for _, item := range held {
		add(item.ProductID, item.ProductName, item.Quantity)
	}
	for _, line := range wanted {
		add(line.ProductID, line.ProductName, -line.Quantity)
	}

	out := deltas[:0]
	for _, delta := range deltas {
		if delta.Delta != 0 {
			out = append(out, delta)
		}
	}
	return out
}

func stockLinesFromItems(items []OrderItem) []repositories.StockLine {
	lines := make([]repositories.StockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, repositories.StockLine{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
		})
	}
	return lines
}

// recomputeTotal derives the order total from its parts. Shipping joins once
// the shipment subsystem sets it.
func recomputeTotal(order *Order) {
	total := order.Subtotal - order.Discount + order.Tax
	if order.ShippingCost != nil {
		total += *order.ShippingCost
	}
	order.Total = total
}

func releasesStock(target domain.OrderStatus) bool {
	return target == domain.OrderStatusCancelled || target == domain.OrderStatusExpired
}

func canTransition(current, target domain.OrderStatus) bool {
	if current == target {
		return true
	}
	next, ok := orderStatusTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(next, target)
}

func valuePtr[T any](v T) *T {
	return &v
}
