package catalog

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/marketsettle/internal/chain"
)

// MemoryStore is an in-memory product store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*Product
	byTrade  map[chain.TradeID]string
}

// NewMemoryStore creates a new in-memory product store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*Product),
		byTrade:  make(map[chain.TradeID]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.TradeID != nil {
		if _, taken := m.byTrade[*p.TradeID]; taken {
			return ErrTradeAlreadyAttached
		}
		m.byTrade[*p.TradeID] = p.ID
	}
	m.products[p.ID] = clone(p)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) GetByTradeID(ctx context.Context, tradeID chain.TradeID) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTrade[tradeID]
	if !ok {
		return nil, ErrProductNotFound
	}
	return clone(m.products[id]), nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Product
	for _, p := range m.products {
		if p.SellerID == sellerID {
			result = append(result, clone(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ReserveStock(ctx context.Context, id string, qty int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok || p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ReleaseStock(ctx context.Context, id string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return ErrProductNotFound
	}
	p.Stock += qty
	p.UpdatedAt = time.Now()
	return nil
}

func clone(p *Product) *Product {
	cp := *p
	if p.Price != nil {
		cp.Price = new(big.Int).Set(p.Price)
	}
	if p.TradeID != nil {
		id := *p.TradeID
		cp.TradeID = &id
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
