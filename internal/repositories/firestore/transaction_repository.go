package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/aftabshop/api/internal/domain"
	pfirestore "github.com/aftabshop/api/internal/platform/firestore"
)

const (
	orderTransactionsCollection = "orderTransactions"
	attemptClaimsCollection     = "paymentAttemptClaims"
)

// TransactionRepository stores the payment attempt ledger. Documents are keyed
// by "<gateway>_<correlationID>" so gateway callbacks resolve attempts without
// an index lookup.
type TransactionRepository struct {
	provider     *pfirestore.Provider
	transactions *pfirestore.BaseRepository[transactionDocument]
	claims       *pfirestore.BaseRepository[attemptClaimDocument]
	clock        func() time.Time
}

// NewTransactionRepository constructs a TransactionRepository bound to the
// order transactions collection.
func NewTransactionRepository(provider *pfirestore.Provider) (*TransactionRepository, error) {
	if provider == nil {
		return nil, errors.New("transaction repository requires firestore provider")
	}
	return &TransactionRepository{
		provider:     provider,
		transactions: pfirestore.NewBaseRepository[transactionDocument](provider, orderTransactionsCollection, nil, nil),
		claims:       pfirestore.NewBaseRepository[attemptClaimDocument](provider, attemptClaimsCollection, nil, nil),
		clock:        time.Now,
	}, nil
}

func (r *TransactionRepository) Upsert(ctx context.Context, trx domain.OrderTransaction) error {
	if r == nil || r.transactions == nil {
		return errors.New("transaction repository not initialised")
	}
	if strings.TrimSpace(trx.ID) == "" {
		return errors.New("transaction upsert: id is required")
	}
	_, err := r.transactions.Set(ctx, trx.ID, newTransactionDocument(trx))
	return err
}

func (r *TransactionRepository) FindByID(ctx context.Context, trxID string) (domain.OrderTransaction, error) {
	if r == nil || r.transactions == nil {
		return domain.OrderTransaction{}, errors.New("transaction repository not initialised")
	}
	doc, err := r.transactions.Get(ctx, trxID)
	if err != nil {
		return domain.OrderTransaction{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *TransactionRepository) FindPending(ctx context.Context, orderID string, gateway string) (domain.OrderTransaction, error) {
	if r == nil || r.transactions == nil {
		return domain.OrderTransaction{}, errors.New("transaction repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	if orderID == "" || gateway == "" {
		return domain.OrderTransaction{}, errors.New("transaction lookup: order id and gateway are required")
	}

	docs, err := r.transactions.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("orderId", "==", orderID).
			Where("gateway", "==", gateway).
			Where("status", "==", string(domain.TransactionStatusPending)).
			Limit(1)
	})
	if err != nil {
		return domain.OrderTransaction{}, err
	}
	if len(docs) == 0 {
		return domain.OrderTransaction{}, notFoundError("orderTransactions.findPending", "no pending transaction for order %s on %s", orderID, gateway)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *TransactionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderTransaction, error) {
	if r == nil || r.transactions == nil {
		return nil, errors.New("transaction repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("transaction list: order id is required")
	}

	docs, err := r.transactions.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("orderId", "==", orderID).
			OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}

	transactions := make([]domain.OrderTransaction, 0, len(docs))
	for _, doc := range docs {
		transactions = append(transactions, doc.Data.toDomain(doc.ID))
	}
	return transactions, nil
}

// ClaimAttempt takes the marker that serialises payment starts for one order
// and gateway. A live marker yields a conflict error; a marker whose deadline
// passed is taken over.
func (r *TransactionRepository) ClaimAttempt(ctx context.Context, orderID string, gateway string, until time.Time) error {
	if r == nil || r.claims == nil {
		return errors.New("transaction repository not initialised")
	}
	claimID, err := attemptClaimID(orderID, gateway)
	if err != nil {
		return err
	}

	return pfirestore.InTransaction(ctx, r.provider, func(ctx context.Context) error {
		doc, err := r.claims.Get(ctx, claimID)
		switch {
		case err == nil:
			if r.clock().UTC().Before(doc.Data.Until) {
				return pfirestore.WrapError("paymentAttemptClaims.claim",
					status.Errorf(codes.AlreadyExists, "attempt claim %s is held", claimID))
			}
		default:
			var repoErr *pfirestore.Error
			if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
				return err
			}
		}
		_, err = r.claims.Set(ctx, claimID, attemptClaimDocument{Until: until.UTC()})
		return err
	})
}

// ReleaseAttempt drops the marker. Releasing an absent marker is a no-op.
func (r *TransactionRepository) ReleaseAttempt(ctx context.Context, orderID string, gateway string) error {
	if r == nil || r.claims == nil {
		return errors.New("transaction repository not initialised")
	}
	claimID, err := attemptClaimID(orderID, gateway)
	if err != nil {
		return err
	}
	if err := r.claims.Delete(ctx, claimID); err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return nil
		}
		return err
	}
	return nil
}

func attemptClaimID(orderID, gateway string) (string, error) {
	orderID = strings.TrimSpace(orderID)
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	if orderID == "" || gateway == "" {
		return "", errors.New("attempt claim: order id and gateway are required")
	}
	return orderID + "_" + gateway, nil
}

// Helper structures ---------------------------------------------------------

type attemptClaimDocument struct {
	Until time.Time `firestore:"until"`
}

type transactionDocument struct {
	OrderID       string         `firestore:"orderId"`
	Gateway       string         `firestore:"gateway"`
	CorrelationID string         `firestore:"correlationId"`
	Status        string         `firestore:"status"`
	PaymentMethod string         `firestore:"paymentMethod"`
	Amount        int64          `firestore:"amount"`
	CallbackURL   string         `firestore:"callbackUrl,omitempty"`
	ExpiresAt     time.Time      `firestore:"expiresAt"`
	Payload       map[string]any `firestore:"payload,omitempty"`
	PaidAt        *time.Time     `firestore:"paidAt,omitempty"`
	CreatedAt     time.Time      `firestore:"createdAt"`
	UpdatedAt     time.Time      `firestore:"updatedAt"`
}

func newTransactionDocument(trx domain.OrderTransaction) transactionDocument {
	doc := transactionDocument{
		OrderID:       strings.TrimSpace(trx.OrderID),
		Gateway:       strings.ToLower(strings.TrimSpace(trx.Gateway)),
		CorrelationID: strings.TrimSpace(trx.CorrelationID),
		Status:        string(trx.Status),
		PaymentMethod: string(trx.PaymentMethod),
		Amount:        trx.Amount,
		CallbackURL:   strings.TrimSpace(trx.Meta.CallbackURL),
		ExpiresAt:     trx.Meta.ExpiresAt.UTC(),
		Payload:       trx.Payload,
		CreatedAt:     trx.CreatedAt.UTC(),
		UpdatedAt:     trx.UpdatedAt.UTC(),
	}
	if trx.PaidAt != nil {
		paid := trx.PaidAt.UTC()
		doc.PaidAt = &paid
	}
	return doc
}

func (d transactionDocument) toDomain(id string) domain.OrderTransaction {
	return domain.OrderTransaction{
		ID:            id,
		OrderID:       d.OrderID,
		Gateway:       d.Gateway,
		CorrelationID: d.CorrelationID,
		Status:        domain.TransactionStatus(d.Status),
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		Amount:        d.Amount,
		Meta: domain.TransactionMeta{
			CallbackURL: d.CallbackURL,
			ExpiresAt:   d.ExpiresAt,
		},
		Payload:   d.Payload,
		PaidAt:    d.PaidAt,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
