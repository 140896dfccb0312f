// Package idempotency makes mutating checkout requests safe to retry. A
// client sends an Idempotency-Key header; the first request through records
// its response, and any retry carrying the same key gets that response back
// instead of placing a second order or starting a second payment.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a recorded response can be replayed.
const DefaultTTL = 24 * time.Hour

// ErrKeyReused reports an idempotency key presented with a request that does
// not match the one it was first used for.
var ErrKeyReused = errors.New("idempotency: key reused for a different request")

// Outcome tells the middleware what to do with the current request.
type Outcome int

const (
	// OutcomeProceed means the key is fresh; run the handler.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means a recorded response exists; return it.
	OutcomeReplay
	// OutcomeInFlight means the first request with this key is still running.
	OutcomeInFlight
)

// StoredResponse is the replayable part of an HTTP response.
type StoredResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store tracks idempotency keys across their lifecycle. Begin claims a key
// or reports what happened to it; Complete records the handler's response;
// Abandon frees the key when the response could not be recorded.
type Store interface {
	Begin(ctx context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (Outcome, StoredResponse, error)
	Complete(ctx context.Context, id, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error
	Abandon(ctx context.Context, id string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// recordID hashes the customer-scoped key into a fixed-size document id.
func recordID(customerID, key string) string {
	return hashHex(customerID + "\x00" + key)
}

func hashHex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// storableHeader copies a response header, dropping hop-by-hop and
// connection-managed fields that must not be replayed verbatim.
func storableHeader(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string][]string, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "upgrade", "trailer", "te":
			continue
		}
		out[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
