// Package store persists gateway session records so a restarted process can
// Resume instead of identifying again.
package store

import (
	"context"
	"sync"

	"gatewaykit/internal/domain"
)

// MemorySessionStore keeps records in process memory.
type MemorySessionStore struct {
	mu      sync.RWMutex
	records map[string]domain.SessionRecord
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{records: make(map[string]domain.SessionRecord)}
}

func (m *MemorySessionStore) Load(_ context.Context, key string) (*domain.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &rec, nil
}

func (m *MemorySessionStore) Save(_ context.Context, rec *domain.SessionRecord) error {
	if rec == nil || rec.Key == "" || rec.SessionID == "" {
		return domain.NewDomainError("SessionStore.Save", domain.ErrInvalidInput, "key and session id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := *rec
	if prev, ok := m.records[rec.Key]; ok && prev.SessionID == rec.SessionID && prev.LastSeq > next.LastSeq {
		next.LastSeq = prev.LastSeq
	}
	m.records[rec.Key] = next
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) Close() error { return nil }
