package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Record is the durable entry for one deployed product.
type Record struct {
	Owner       common.Address `json:"owner"`
	Index       uint64         `json:"index"`
	Name        string         `json:"name"`
	Asset       common.Address `json:"asset"`
	Ledger      common.Address `json:"ledger"`
	Coordinator common.Address `json:"coordinator"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Store persists the per-owner product index. Save must reject a record whose
// (owner, index) already exists.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, owner common.Address, index uint64) (*Record, error)
	Count(ctx context.Context, owner common.Address) (uint64, error)
	Total(ctx context.Context) (uint64, error)
}

// MemoryStore is mostly for testing and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[common.Address][]Record
	total    uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[common.Address][]Record)}
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := uint64(len(m.products[rec.Owner]))
	if rec.Index != next {
		return fmt.Errorf("index %d out of sequence for %s (next %d)", rec.Index, rec.Owner.Hex(), next)
	}
	m.products[rec.Owner] = append(m.products[rec.Owner], rec)
	m.total++
	return nil
}

func (m *MemoryStore) Get(_ context.Context, owner common.Address, index uint64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.products[owner]
	if index >= uint64(len(list)) {
		return nil, nil
	}
	rec := list[index]
	return &rec, nil
}

func (m *MemoryStore) Count(_ context.Context, owner common.Address) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.products[owner])), nil
}

func (m *MemoryStore) Total(context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total, nil
}
