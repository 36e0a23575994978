package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Record holds stored response data.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Key scopes a client-supplied idempotency key to the calling principal.
func Key(caller, key string) string {
	return strings.ToLower(caller) + ":" + key
}

// Store abstracts idempotency persistence.
type Store interface {
	Get(ctx context.Context, scope string) (*Record, error)
	Save(ctx context.Context, scope string, record Record) error
	Delete(ctx context.Context, scope string) error
}

// Purger drops expired records in bulk.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, scope string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[scope]
	if !ok || time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

// Save keeps the first live record for scope.
func (m *MemoryStore) Save(_ context.Context, scope string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[scope]; ok && old.ExpiresAt.After(record.CreatedAt) {
		return nil
	}
	m.data[scope] = record
	return nil
}

// Delete drops scope, letting the next request with it execute again.
func (m *MemoryStore) Delete(_ context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, scope)
	return nil
}

func (m *MemoryStore) Purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.data {
		if !rec.ExpiresAt.After(now) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}
