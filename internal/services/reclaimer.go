package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/aftabshop/api/internal/domain"
	"github.com/aftabshop/api/internal/repositories"
)

const (
	orderEventExpired = "order.expired"

	defaultReclaimBatchSize = 100
	defaultReclaimInterval  = 5 * time.Minute
)

// ReclaimerDeps bundles collaborators required to construct the reclaimer.
type ReclaimerDeps struct {
	Orders     repositories.OrderRepository
	Products   repositories.ProductRepository
	UnitOfWork repositories.UnitOfWork
	Clock      func() time.Time
	BatchSize  int
	Events     OrderEventPublisher
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// Reclaimer sweeps unpaid online orders whose checkout window elapsed,
// restoring their reserved stock and marking them expired.
type Reclaimer struct {
	orders     repositories.OrderRepository
	products   repositories.ProductRepository
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	batchSize  int
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

// NewReclaimer wires dependencies into a Reclaimer.
func NewReclaimer(deps ReclaimerDeps) (*Reclaimer, error) {
	if deps.Orders == nil {
		return nil, errors.New("reclaimer: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("reclaimer: product repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReclaimBatchSize
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Reclaimer{
		orders:     deps.Orders,
		products:   deps.Products,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		batchSize: batchSize,
		events:    deps.Events,
		logger:    logger,
	}, nil
}

// Run performs one sweep and returns the number of orders reclaimed. A
// failing order is logged and skipped so one bad document cannot stall the
// sweep.
func (r *Reclaimer) Run(ctx context.Context) (int, error) {
	now := r.clock()

	expired, err := r.orders.ListExpired(ctx, now, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("reclaimer: list expired orders: %w", err)
	}

	reclaimed := 0
	for _, candidate := range expired {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		order, err := r.reclaim(ctx, candidate.ID)
		if err != nil {
			r.logger(ctx, "reclaimer.order.failed", map[string]any{
				"order": candidate.ID,
				"error": err.Error(),
			})
			continue
		}
		if order == nil {
			continue
		}
		reclaimed++
		r.publishExpired(ctx, *order, now)
	}

	if reclaimed > 0 {
		r.logger(ctx, "reclaimer.sweep.completed", map[string]any{
			"candidates": len(expired),
			"reclaimed":  reclaimed,
		})
	}
	return reclaimed, nil
}

// Start runs sweeps on the given interval until the context is cancelled.
// It blocks; callers run it in a goroutine.
func (r *Reclaimer) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultReclaimInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger(ctx, "reclaimer.sweep.failed", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}

// reclaim re-reads the order inside a transaction and re-checks the expiry
// predicate so a payment verified between the sweep query and this write is
// never clobbered. Returns nil when the order no longer qualifies.
func (r *Reclaimer) reclaim(ctx context.Context, orderID string) (*Order, error) {
	var reclaimed *Order
	err := r.runInTx(ctx, func(txCtx context.Context) error {
		order, err := r.orders.FindByID(txCtx, orderID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				return nil
			}
			return err
		}

		now := r.clock()
		if order.Status != domain.OrderStatusPending || !order.IsExpired(now) {
			return nil
		}

		if err := r.products.RestoreStock(txCtx, stockLinesFromItems(order.Items)); err != nil {
			return err
		}

		order.Status = domain.OrderStatusExpired
		order.UpdatedAt = now
		if err := r.orders.Update(txCtx, order); err != nil {
			return err
		}
		reclaimed = &order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func (r *Reclaimer) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if r.unitOfWork == nil {
		return fn(ctx)
	}
	return r.unitOfWork.RunInTx(ctx, fn)
}

func (r *Reclaimer) publishExpired(ctx context.Context, order Order, occurredAt time.Time) {
	if r.events == nil {
		return
	}
	_, err := r.events.PublishOrderEvent(ctx, OrderEvent{
		Type:          orderEventExpired,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CustomerID:    order.CustomerID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Total:         order.Total,
		OccurredAt:    occurredAt,
	})
	if err != nil {
		r.logger(ctx, "reclaimer.event.publish.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}
