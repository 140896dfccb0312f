package idempotency

import (
	"context"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	idempotencyCollection = "idempotencyKeys"
	defaultTxAttempts     = 5
	defaultCleanupLimit   = 100
)

type keyDocument struct {
	Fingerprint    string              `firestore:"fingerprint"`
	Done           bool                `firestore:"done"`
	ResponseStatus int                 `firestore:"responseStatus"`
	ResponseHeader map[string][]string `firestore:"responseHeader"`
	ResponseBody   []byte              `firestore:"responseBody"`
	CreatedAt      time.Time           `firestore:"createdAt"`
	ExpiresAt      time.Time           `firestore:"expiresAt"`
}

// FirestoreStore persists idempotency keys in the service's Firestore
// database so retries land safely across instances.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// FirestoreOption customises a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the backing collection name.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// NewFirestoreStore builds a Store on the provided client.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{client: client, collection: idempotencyCollection}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Begin implements Store. The read and conditional write run in one
// transaction, so two racing retries cannot both claim the key.
func (s *FirestoreStore) Begin(ctx context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (Outcome, StoredResponse, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref := s.client.Collection(s.collection).Doc(id)

	var outcome Outcome
	var stored StoredResponse
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var doc keyDocument
		if err == nil {
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
		}

		if err != nil || !now.Before(doc.ExpiresAt) {
			outcome = OutcomeProceed
			return tx.Set(ref, keyDocument{
				Fingerprint: fingerprint,
				CreatedAt:   now,
				ExpiresAt:   now.Add(ttl),
			})
		}
		if doc.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		if doc.Done {
			outcome = OutcomeReplay
			stored = StoredResponse{
				Status: doc.ResponseStatus,
				Header: headerFromDoc(doc.ResponseHeader),
				Body:   doc.ResponseBody,
			}
			return nil
		}
		outcome = OutcomeInFlight
		return nil
	}, firestore.MaxAttempts(defaultTxAttempts))
	if err != nil {
		return 0, StoredResponse{}, err
	}
	return outcome, stored, nil
}

// Complete implements Store.
func (s *FirestoreStore) Complete(ctx context.Context, id, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	ref := s.client.Collection(s.collection).Doc(id)
	header := storableHeader(resp.Header)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		doc := keyDocument{CreatedAt: now}
		if err == nil {
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrKeyReused
			}
		}

		doc.Fingerprint = fingerprint
		doc.Done = true
		doc.ResponseStatus = resp.Status
		doc.ResponseHeader = header
		doc.ResponseBody = resp.Body
		doc.ExpiresAt = now.Add(ttl)
		return tx.Set(ref, doc)
	}, firestore.MaxAttempts(defaultTxAttempts))
}

// Abandon implements Store.
func (s *FirestoreStore) Abandon(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.collection).Doc(id).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return err
}

// CleanupExpired implements Store. Deletes run as one batched write.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}

	docs, err := s.client.Collection(s.collection).
		Where("expiresAt", "<=", now.UTC()).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	writer := s.client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := writer.Delete(doc.Ref); err != nil {
			writer.End()
			return 0, err
		}
	}
	writer.End()
	return len(docs), nil
}

func headerFromDoc(values map[string][]string) http.Header {
	if len(values) == 0 {
		return nil
	}
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
