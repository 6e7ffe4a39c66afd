package reconciliation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/marketsettle/internal/catalog"
	"github.com/mbd888/marketsettle/internal/chain"
)

// MemoryStore is an in-memory orphan store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	orphans map[chain.TradeID]*Orphan
}

// NewMemoryStore creates a new in-memory orphan store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orphans: make(map[chain.TradeID]*Orphan)}
}

func (m *MemoryStore) Record(ctx context.Context, o *catalog.Orphan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orphans[o.TradeID]; ok {
		existing.Error = o.Error
		return nil
	}
	m.orphans[o.TradeID] = &Orphan{Orphan: *o}
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Orphan
	for _, o := range m.orphans {
		if o.ResolvedAt == nil {
			cp := *o
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountOpen(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.orphans {
		if o.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RecordAttempt(ctx context.Context, tradeID chain.TradeID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orphans[tradeID]
	if !ok {
		return ErrOrphanNotFound
	}
	o.Attempts++
	o.Error = lastError
	return nil
}

func (m *MemoryStore) MarkResolved(ctx context.Context, tradeID chain.TradeID, productID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orphans[tradeID]
	if !ok {
		return ErrOrphanNotFound
	}
	o.Attempts++
	o.ProductID = productID
	o.ResolvedAt = &at
	return nil
}

// Get returns one orphan, resolved or not.
func (m *MemoryStore) Get(ctx context.Context, tradeID chain.TradeID) (*Orphan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orphans[tradeID]
	if !ok {
		return nil, ErrOrphanNotFound
	}
	cp := *o
	return &cp, nil
}

var _ Store = (*MemoryStore)(nil)
