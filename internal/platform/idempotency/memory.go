package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	done        bool
	response    StoredResponse
	expiresAt   time.Time
}

// MemoryStore keeps idempotency state in the process, for tests and local
// development against the emulator-less stack.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Begin implements Store.
func (s *MemoryStore) Begin(_ context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (Outcome, StoredResponse, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok || !now.Before(entry.expiresAt) {
		s.entries[id] = memoryEntry{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return OutcomeProceed, StoredResponse{}, nil
	}
	if entry.fingerprint != fingerprint {
		return 0, StoredResponse{}, ErrKeyReused
	}
	if entry.done {
		return OutcomeReplay, cloneResponse(entry.response), nil
	}
	return OutcomeInFlight, StoredResponse{}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, id, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[id]; ok && entry.fingerprint != fingerprint {
		return ErrKeyReused
	}
	s.entries[id] = memoryEntry{
		fingerprint: fingerprint,
		done:        true,
		response:    cloneResponse(resp),
		expiresAt:   now.Add(ttl),
	}
	return nil
}

// Abandon implements Store.
func (s *MemoryStore) Abandon(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if now.Before(entry.expiresAt) {
			continue
		}
		delete(s.entries, id)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

func cloneResponse(resp StoredResponse) StoredResponse {
	out := StoredResponse{Status: resp.Status}
	if len(resp.Header) > 0 {
		out.Header = make(http.Header, len(resp.Header))
		for name, values := range resp.Header {
			out.Header[name] = append([]string(nil), values...)
		}
	}
	if len(resp.Body) > 0 {
		out.Body = append([]byte(nil), resp.Body...)
	}
	return out
}
