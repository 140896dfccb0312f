package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	domain "github.com/aftabshop/api/internal/domain"
	"github.com/aftabshop/api/internal/payments"
	"github.com/aftabshop/api/internal/repositories"
)

const defaultTransactionTTL = 30 * time.Minute

// attemptClaimWindow bounds how long one payment start may hold the
// per-order gateway marker before a competitor may take it over.
const attemptClaimWindow = time.Minute

// payloadRedirectURLKey stores the gateway redirect inside the attempt payload
// so a reused pending attempt can hand the same link back to the customer.
const payloadRedirectURLKey = "redirect_url"

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders          OrderService
	Transactions    repositories.TransactionRepository
	Gateways        *payments.Manager
	UnitOfWork      repositories.UnitOfWork
	Clock           func() time.Time
	TransactionTTL  time.Duration
	CallbackBaseURL string
	Logger          func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders          OrderService
	transactions    repositories.TransactionRepository
	gateways        *payments.Manager
	unitOfWork      repositories.UnitOfWork
	clock           func() time.Time
	transactionTTL  time.Duration
	callbackBaseURL string
	logger          func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order service is required")
	}
	if deps.Transactions == nil {
		return nil, errors.New("payment service: transaction repository is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("payment service: gateway manager is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	ttl := deps.TransactionTTL
	if ttl <= 0 {
		ttl = defaultTransactionTTL
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		orders:       deps.Orders,
		transactions: deps.Transactions,
		gateways:     deps.Gateways,
		unitOfWork:   unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		transactionTTL:  ttl,
		callbackBaseURL: strings.TrimRight(strings.TrimSpace(deps.CallbackBaseURL), "/"),
		logger:          logger,
	}, nil
}

func (s *paymentService) Pay(ctx context.Context, cmd PayOrderCommand) (PaymentRedirect, error) {
	orderNumber := strings.TrimSpace(cmd.OrderNumber)
	if orderNumber == "" {
		return PaymentRedirect{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}

	gateway, err := s.gateways.Resolve(cmd.Gateway)
	if err != nil {
		return PaymentRedirect{}, err
	}

	order, err := s.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		return PaymentRedirect{}, err
	}
	if scope := strings.TrimSpace(cmd.CustomerID); scope != "" && order.CustomerID != scope {
		return PaymentRedirect{}, fmt.Errorf("%w: order %s", ErrOrderForbidden, order.ID)
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return PaymentRedirect{}, fmt.Errorf("%w: order %s is already paid", ErrOrderInvalidPaymentStatus, order.ID)
	}

	now := s.now()
	if order.IsExpired(now) {
		return PaymentRedirect{}, fmt.Errorf("%w: order %s checkout window elapsed", ErrOrderInvalidStatus, order.ID)
	}

	pending, err := s.transactions.FindPending(ctx, order.ID, gateway.Name())
	switch {
	case err == nil:
		if pending.IsReusable(now) {
			if redirect, ok := pending.Payload[payloadRedirectURLKey].(string); ok && redirect != "" {
				s.logger(ctx, "payment.attempt.reused", map[string]any{
					"order":       order.ID,
					"gateway":     gateway.Name(),
					"transaction": pending.ID,
				})
				return PaymentRedirect{
					RedirectURL:   redirect,
					CorrelationID: pending.CorrelationID,
					TransactionID: pending.ID,
				}, nil
			}
		}
		// A stale or unusable pending attempt is superseded, not reused.
		pending.Status = domain.TransactionStatusExpired
		pending.UpdatedAt = now
		if err := s.transactions.Upsert(ctx, pending); err != nil {
			return PaymentRedirect{}, s.mapRepositoryError(err)
		}
	case isRepositoryNotFound(err):
		// No pending attempt yet.
	default:
		return PaymentRedirect{}, s.mapRepositoryError(err)
	}

	// Serialise concurrent starts: whoever holds the marker talks to the
	// gateway, a simultaneous click gets a conflict instead of a second
	// pending attempt.
	if err := s.transactions.ClaimAttempt(ctx, order.ID, gateway.Name(), now.Add(attemptClaimWindow)); err != nil {
		if isRepositoryConflict(err) {
			return PaymentRedirect{}, fmt.Errorf("%w: a payment attempt for order %s is already in progress", ErrOrderConflict, order.ID)
		}
		return PaymentRedirect{}, s.mapRepositoryError(err)
	}
	defer func() {
		if err := s.transactions.ReleaseAttempt(ctx, order.ID, gateway.Name()); err != nil {
			s.logger(ctx, "payment.attempt.release_failed", map[string]any{
				"order":   order.ID,
				"gateway": gateway.Name(),
				"error":   err.Error(),
			})
		}
	}()

	callbackURL := fmt.Sprintf("%s/payment/%s/callback", s.callbackBaseURL, gateway.Name())
	result, err := gateway.Pay(ctx, payments.PayRequest{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Amount:      order.Total,
		Description: fmt.Sprintf("order %s", order.OrderNumber),
		CallbackURL: callbackURL,
	})
	if err != nil {
		return PaymentRedirect{}, err
	}

	payload := make(map[string]any, len(result.Raw)+1)
	maps.Copy(payload, result.Raw)
	payload[payloadRedirectURLKey] = result.RedirectURL

	trx := OrderTransaction{
		ID:            transactionID(gateway.Name(), result.CorrelationID),
		OrderID:       order.ID,
		Gateway:       gateway.Name(),
		CorrelationID: result.CorrelationID,
		Status:        domain.TransactionStatusPending,
		PaymentMethod: domain.PaymentMethodOnline,
		Amount:        order.Total,
		Meta: domain.TransactionMeta{
			CallbackURL: callbackURL,
			ExpiresAt:   now.Add(s.transactionTTL),
		},
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.transactions.Upsert(ctx, trx); err != nil {
		return PaymentRedirect{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "payment.attempt.created", map[string]any{
		"order":       order.ID,
		"gateway":     gateway.Name(),
		"transaction": trx.ID,
	})

	return PaymentRedirect{
		RedirectURL:   result.RedirectURL,
		CorrelationID: result.CorrelationID,
		TransactionID: trx.ID,
	}, nil
}

func (s *paymentService) Verify(ctx context.Context, cmd VerifyPaymentCommand) (PaymentVerification, error) {
	gateway, err := s.gateways.Resolve(cmd.Gateway)
	if err != nil {
		return PaymentVerification{}, err
	}

	correlationID := gateway.CallbackCorrelationID(cmd.Callback)
	if correlationID == "" {
		return PaymentVerification{}, fmt.Errorf("%w: callback carries no correlation id", ErrOrderInvalidInput)
	}

	now := s.now()
	trxID := transactionID(gateway.Name(), correlationID)

	trx, err := s.transactions.FindByID(ctx, trxID)
	if err != nil {
		if !isRepositoryNotFound(err) {
			return PaymentVerification{}, s.mapRepositoryError(err)
		}
		// Unknown correlation ids still leave an auditable ledger record.
		unknown := OrderTransaction{
			ID:            trxID,
			Gateway:       gateway.Name(),
			CorrelationID: correlationID,
			Status:        domain.TransactionStatusFailed,
			PaymentMethod: domain.PaymentMethodOnline,
			Payload:       callbackPayload(cmd.Callback),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.transactions.Upsert(ctx, unknown); err != nil {
			return PaymentVerification{}, s.mapRepositoryError(err)
		}
		s.logger(ctx, "payment.verify.unknown_correlation", map[string]any{
			"gateway":     gateway.Name(),
			"correlation": correlationID,
		})
		return PaymentVerification{TransactionID: trxID}, nil
	}

	order, err := s.orders.GetOrder(ctx, trx.OrderID, OrderReadOptions{})
	if err != nil {
		return PaymentVerification{}, err
	}

	result, err := gateway.Verify(ctx, payments.VerifyRequest{
		CorrelationID: correlationID,
		OrderNumber:   order.OrderNumber,
		Amount:        trx.Amount,
		Callback:      cmd.Callback,
	})
	if err != nil {
		return PaymentVerification{}, err
	}

	verification := PaymentVerification{
		Verified:      result.Verified,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		RefID:         result.RefID,
		TransactionID: trx.ID,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		// Re-read the order first: the transactional backend rejects any
		// read once a write is buffered, and the pre-transaction snapshot
		// may have been settled by a concurrent callback meanwhile.
		current, err := s.orders.GetOrder(txCtx, trx.OrderID, OrderReadOptions{})
		if err != nil {
			return err
		}

		// Flip to paid exactly once; repeated callbacks for a settled order
		// only refresh the ledger.
		if result.Verified && current.PaymentStatus != domain.PaymentStatusPaid {
			if _, err := s.orders.MarkAsPaid(txCtx, MarkOrderPaidCommand{
				OrderID: current.ID,
				Method:  domain.PaymentMethodOnline,
			}); err != nil {
				return err
			}
		}

		if result.Verified {
			if trx.Status != domain.TransactionStatusSuccess {
				trx.Status = domain.TransactionStatusSuccess
				trx.PaidAt = &now
			}
		} else if trx.Status != domain.TransactionStatusSuccess {
			trx.Status = domain.TransactionStatusFailed
		}
		if len(result.Raw) > 0 {
			trx.Payload = mergePayload(trx.Payload, result.Raw)
		}
		trx.UpdatedAt = now
		if err := s.transactions.Upsert(txCtx, trx); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return PaymentVerification{}, err
	}

	s.logger(ctx, "payment.verify.completed", map[string]any{
		"order":       order.ID,
		"gateway":     gateway.Name(),
		"transaction": trx.ID,
		"verified":    result.Verified,
	})

	return verification, nil
}

func (s *paymentService) mapRepositoryError(err error) error {
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
			return fmt.Errorf("payment: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *paymentService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *paymentService) now() time.Time {
	return s.clock()
}

func transactionID(gateway, correlationID string) string {
	return gateway + "_" + correlationID
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepositoryConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func callbackPayload(callback map[string]string) map[string]any {
	payload := make(map[string]any, len(callback))
	for k, v := range callback {
		payload[k] = v
	}
	return payload
}

func mergePayload(base map[string]any, extra map[string]any) map[string]any {
	if base == nil {
		return maps.Clone(extra)
	}
	merged := maps.Clone(base)
	maps.Copy(merged, extra)
	return merged
}
