//go:build integration

package firestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/aftabshop/api/internal/domain"
	pconfig "github.com/aftabshop/api/internal/platform/config"
	pfirestore "github.com/aftabshop/api/internal/platform/firestore"
	"github.com/aftabshop/api/internal/repositories"
	"github.com/aftabshop/api/internal/testutil"
)

func TestOrderLifecycleRepositoriesIntegration(t *testing.T) {
	endpoint := testutil.StartFirestoreEmulator(t)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "orders-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)

	seedProduct := map[string]any{
		"name":       "Walnut Desk Organiser",
		"price":      int64(120000),
		"finalPrice": int64(100000),
		"stock":      5,
		"isActive":   true,
		"updatedAt":  now,
	}
	if _, err := client.Collection(productsCollection).Doc("prod_001").Set(ctx, seedProduct); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	products, err := NewProductRepository(provider)
	if err != nil {
		t.Fatalf("new product repository: %v", err)
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		t.Fatalf("new cart repository: %v", err)
	}
	transactions, err := NewTransactionRepository(provider)
	if err != nil {
		t.Fatalf("new transaction repository: %v", err)
	}

	lines := []repositories.StockLine{{ProductID: "prod_001", ProductName: "Walnut Desk Organiser", Quantity: 2}}
	if err := products.ReserveStock(ctx, lines); err != nil {
		t.Fatalf("reserve stock: %v", err)
	}
	product, err := products.FindByID(ctx, "prod_001")
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if product.Stock != 3 {
		t.Fatalf("expected stock 3 after reserve, got %d", product.Stock)
	}

	var stockErr *repositories.StockError
	err = products.ReserveStock(ctx, []repositories.StockLine{{ProductID: "prod_001", Quantity: 10}})
	if !errors.As(err, &stockErr) || stockErr.Code != repositories.StockErrorInsufficient {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	product, err = products.FindByID(ctx, "prod_001")
	if err != nil {
		t.Fatalf("find product after failed reserve: %v", err)
	}
	if product.Stock != 3 {
		t.Fatalf("failed reserve must not change stock, got %d", product.Stock)
	}

	if err := products.RestoreStock(ctx, lines); err != nil {
		t.Fatalf("restore stock: %v", err)
	}
	product, err = products.FindByID(ctx, "prod_001")
	if err != nil {
		t.Fatalf("find product after restore: %v", err)
	}
	if product.Stock != 5 {
		t.Fatalf("expected stock 5 after restore, got %d", product.Stock)
	}

	// Restores must survive catalog deletions.
	if err := products.RestoreStock(ctx, []repositories.StockLine{{ProductID: "prod_missing", Quantity: 1}}); err != nil {
		t.Fatalf("restore of missing product must succeed, got %v", err)
	}

	order := domain.Order{
		ID:            "ord_itest_1",
		OrderNumber:   "ORD-20260829-ITEST1",
		CustomerID:    "cust_1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusUnpaid,
		PaymentMethod: domain.PaymentMethodOnline,
		Subtotal:      200000,
		Total:         200000,
		Items: []domain.OrderItem{
			{ProductID: "prod_001", ProductName: "Walnut Desk Organiser", UnitPrice: 100000, Quantity: 2, Total: 200000},
		},
		ExpiresAt: now.Add(-time.Minute),
		CreatedAt: now.Add(-16 * time.Minute),
		UpdatedAt: now.Add(-16 * time.Minute),
	}
	if err := orders.Insert(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	if err := orders.Insert(ctx, order); err == nil {
		t.Fatal("duplicate insert must fail")
	}

	found, err := orders.FindByOrderNumber(ctx, order.OrderNumber)
	if err != nil {
		t.Fatalf("find by order number: %v", err)
	}
	if found.ID != order.ID || len(found.Items) != 1 {
		t.Fatalf("unexpected order %+v", found)
	}

	exists, err := orders.OrderNumberExists(ctx, order.OrderNumber)
	if err != nil || !exists {
		t.Fatalf("order number should exist, got %v %v", exists, err)
	}

	expired, err := orders.ListExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != order.ID {
		t.Fatalf("expected one expired order, got %d", len(expired))
	}

	trx := domain.OrderTransaction{
		ID:            "zarinpal_A000123",
		OrderID:       order.ID,
		Gateway:       "zarinpal",
		CorrelationID: "A000123",
		Status:        domain.TransactionStatusPending,
		PaymentMethod: domain.PaymentMethodOnline,
		Amount:        order.Total,
		Meta: domain.TransactionMeta{
			CallbackURL: "https://shop.example/payment/zarinpal/callback",
			ExpiresAt:   now.Add(30 * time.Minute),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := transactions.Upsert(ctx, trx); err != nil {
		t.Fatalf("upsert transaction: %v", err)
	}
	pending, err := transactions.FindPending(ctx, order.ID, "zarinpal")
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if pending.ID != trx.ID {
		t.Fatalf("unexpected pending transaction %s", pending.ID)
	}

	seedCart := map[string]any{
		"items":     []map[string]any{{"productId": "prod_001", "qty": 2}, {"productId": "prod_gone", "qty": 1}},
		"updatedAt": now,
	}
	if _, err := client.Collection(cartsCollection).Doc("cust_1").Set(ctx, seedCart); err != nil {
		t.Fatalf("seed cart: %v", err)
	}
	summary, err := carts.Summary(ctx, "cust_1")
	if err != nil {
		t.Fatalf("cart summary: %v", err)
	}
	if len(summary.Lines) != 1 {
		t.Fatalf("expected the missing product line to be dropped, got %d lines", len(summary.Lines))
	}
	if summary.FinalSubtotal != 200000 || summary.TotalDiscount != 40000 {
		t.Fatalf("unexpected summary totals %+v", summary)
	}
	if err := carts.ClearCart(ctx, "cust_1"); err != nil {
		t.Fatalf("clear cart: %v", err)
	}
	cleared, err := carts.GetCart(ctx, "cust_1")
	if err != nil {
		t.Fatalf("get cleared cart: %v", err)
	}
	if len(cleared.Items) != 0 {
		t.Fatalf("expected empty cart after clear, got %d items", len(cleared.Items))
	}

	// Cross-repository atomicity through the unit of work.
	uow, err := pfirestore.NewUnitOfWork(provider)
	if err != nil {
		t.Fatalf("new unit of work: %v", err)
	}
	err = uow.RunInTx(ctx, func(ctx context.Context) error {
		if err := products.ReserveStock(ctx, []repositories.StockLine{{ProductID: "prod_001", Quantity: 1}}); err != nil {
			return err
		}
		return errors.New("force rollback")
	})
	if err == nil {
		t.Fatal("expected forced rollback error")
	}
	product, err = products.FindByID(ctx, "prod_001")
	if err != nil {
		t.Fatalf("find product after rollback: %v", err)
	}
	if product.Stock != 5 {
		t.Fatalf("rolled back transaction must not change stock, got %d", product.Stock)
	}
}

func TestOrderRevisionNetsStockInOneTransaction(t *testing.T) {
	endpoint := testutil.StartFirestoreEmulator(t)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "orders-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	seedProduct := map[string]any{
		"name":       "Walnut Desk Organiser",
		"price":      int64(120000),
		"finalPrice": int64(100000),
		"stock":      1,
		"isActive":   true,
		"updatedAt":  now,
	}
	if _, err := client.Collection(productsCollection).Doc("prod_001").Set(ctx, seedProduct); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	products, err := NewProductRepository(provider)
	if err != nil {
		t.Fatalf("new product repository: %v", err)
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	uow, err := pfirestore.NewUnitOfWork(provider)
	if err != nil {
		t.Fatalf("new unit of work: %v", err)
	}

	order := domain.Order{
		ID:            "ord_rev_1",
		OrderNumber:   "ORD-20260829-REV001",
		CustomerID:    "cust_1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusUnpaid,
		PaymentMethod: domain.PaymentMethodOnline,
		Subtotal:      240000,
		Discount:      40000,
		Total:         200000,
		Items: []domain.OrderItem{
			{ProductID: "prod_001", ProductName: "Walnut Desk Organiser", UnitPrice: 120000, Discount: 40000, Quantity: 2, Total: 200000},
		},
		ExpiresAt: now.Add(15 * time.Minute),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := orders.Insert(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	// Raise the held quantity from 2 to 3 with only 1 unit of raw stock.
	// Reads happen first, the net delta is applied once, and the revised
	// order commits in the same transaction.
	err = uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := orders.FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		deltas := []repositories.StockDelta{{ProductID: "prod_001", ProductName: "Walnut Desk Organiser", Delta: -1}}
		if err := products.AdjustStock(ctx, deltas); err != nil {
			return err
		}
		current.Items[0].Quantity = 3
		current.Items[0].Total = 300000
		current.Subtotal = 360000
		current.Discount = 60000
		current.Total = 300000
		current.UpdatedAt = time.Now().UTC()
		return orders.Update(ctx, current)
	})
	if err != nil {
		t.Fatalf("revision transaction: %v", err)
	}

	product, err := products.FindByID(ctx, "prod_001")
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if product.Stock != 0 {
		t.Fatalf("stock = %d, want 0", product.Stock)
	}
	revised, err := orders.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if revised.Items[0].Quantity != 3 || revised.Total != 300000 {
		t.Fatalf("unexpected revised order %+v", revised)
	}

	// The same shape must roll back as a unit when the delta cannot be met.
	err = uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := orders.FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := products.AdjustStock(ctx, []repositories.StockDelta{{ProductID: "prod_001", Delta: -5}}); err != nil {
			return err
		}
		return orders.Update(ctx, current)
	})
	var stockErr *repositories.StockError
	if !errors.As(err, &stockErr) || stockErr.Code != repositories.StockErrorInsufficient {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
}

func TestSettlementTransactionReadsThenWrites(t *testing.T) {
	endpoint := testutil.StartFirestoreEmulator(t)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "orders-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	orders, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	transactions, err := NewTransactionRepository(provider)
	if err != nil {
		t.Fatalf("new transaction repository: %v", err)
	}
	uow, err := pfirestore.NewUnitOfWork(provider)
	if err != nil {
		t.Fatalf("new unit of work: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	order := domain.Order{
		ID:            "ord_pay_1",
		OrderNumber:   "ORD-20260829-PAY001",
		CustomerID:    "cust_1",
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusUnpaid,
		PaymentMethod: domain.PaymentMethodOnline,
		Subtotal:      200000,
		Total:         200000,
		Items: []domain.OrderItem{
			{ProductID: "prod_001", ProductName: "Walnut Desk Organiser", UnitPrice: 100000, Quantity: 2, Total: 200000},
		},
		ExpiresAt: now.Add(15 * time.Minute),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := orders.Insert(ctx, order); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	trx := domain.OrderTransaction{
		ID:            "zarinpal_A000777",
		OrderID:       order.ID,
		Gateway:       "zarinpal",
		CorrelationID: "A000777",
		Status:        domain.TransactionStatusPending,
		PaymentMethod: domain.PaymentMethodOnline,
		Amount:        order.Total,
		Meta: domain.TransactionMeta{
			CallbackURL: "https://shop.example/payment/zarinpal/callback",
			ExpiresAt:   now.Add(30 * time.Minute),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := transactions.Upsert(ctx, trx); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	// Settlement shape: re-read the order, then write the order and the
	// ledger entry. The backend rejects reads after writes, so this order
	// of operations is what keeps the flow committable.
	err = uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := orders.FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		current.PaymentStatus = domain.PaymentStatusPaid
		current.Status = domain.OrderStatusProcessing
		current.UpdatedAt = time.Now().UTC()
		if err := orders.Update(ctx, current); err != nil {
			return err
		}
		trx.Status = domain.TransactionStatusSuccess
		trx.UpdatedAt = time.Now().UTC()
		return transactions.Upsert(ctx, trx)
	})
	if err != nil {
		t.Fatalf("settlement transaction: %v", err)
	}

	settled, err := orders.FindByID(ctx, order.ID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if settled.PaymentStatus != domain.PaymentStatusPaid || settled.Status != domain.OrderStatusProcessing {
		t.Fatalf("order not settled: %+v", settled)
	}
	ledger, err := transactions.FindByID(ctx, trx.ID)
	if err != nil {
		t.Fatalf("find transaction: %v", err)
	}
	if ledger.Status != domain.TransactionStatusSuccess {
		t.Fatalf("transaction status = %s", ledger.Status)
	}
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	endpoint := testutil.StartFirestoreEmulator(t)

	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    "orders-test",
		EmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("provider client: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	seedProduct := map[string]any{
		"name":       "Walnut Desk Organiser",
		"price":      int64(120000),
		"finalPrice": int64(100000),
		"stock":      3,
		"isActive":   true,
		"updatedAt":  now,
	}
	if _, err := client.Collection(productsCollection).Doc("prod_001").Set(ctx, seedProduct); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	products, err := NewProductRepository(provider)
	if err != nil {
		t.Fatalf("new product repository: %v", err)
	}
	uow, err := pfirestore.NewUnitOfWork(provider)
	if err != nil {
		t.Fatalf("new unit of work: %v", err)
	}

	const buyers = 8
	var wg sync.WaitGroup
	results := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- uow.RunInTx(ctx, func(ctx context.Context) error {
				return products.ReserveStock(ctx, []repositories.StockLine{{ProductID: "prod_001", Quantity: 1}})
			})
		}()
	}
	wg.Wait()
	close(results)

	reserved, rejected := 0, 0
	for err := range results {
		var stockErr *repositories.StockError
		switch {
		case err == nil:
			reserved++
		case errors.As(err, &stockErr) && stockErr.Code == repositories.StockErrorInsufficient:
			rejected++
		default:
			t.Fatalf("unexpected reservation error: %v", err)
		}
	}
	if reserved != 3 || rejected != buyers-3 {
		t.Fatalf("reserved = %d, rejected = %d, want 3 and %d", reserved, rejected, buyers-3)
	}

	product, err := products.FindByID(ctx, "prod_001")
	if err != nil {
		t.Fatalf("find product: %v", err)
	}
	if product.Stock != 0 {
		t.Fatalf("stock = %d, want 0", product.Stock)
	}
}
