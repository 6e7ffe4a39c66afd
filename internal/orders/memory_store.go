package orders

import (
	"context"
	"math/big"
	"sort"
	"sync"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	orders        map[string]*Order
	reviews       map[string]*Review
	reviewByOrder map[string]string
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:        make(map[string]*Order),
		reviews:       make(map[string]*Review),
		reviewByOrder: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Status != expected {
		return ErrConflict
	}
	next := cloneOrder(o)
	// Flags are only ever set through SetRewardFlag.
	next.RewardsProcessed = cur.RewardsProcessed
	next.DeliveryRewardsProcessed = cur.DeliveryRewardsProcessed
	m.orders[o.ID] = next
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if !matchesRole(o, f.UserID, f.Role) {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		result = append(result, cloneOrder(o))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) CompletedRank(ctx context.Context, o *Order, role Role) (int, error) {
	userID := o.BuyerID
	if role == RoleSeller {
		userID = o.SellerID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, x := range m.orders {
		if x.Status == StatusCompleted && matchesRole(x, userID, role) && completedNoLater(x, o) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SetRewardFlag(ctx context.Context, id string, flag RewardFlag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return false, ErrOrderNotFound
	}
	switch flag {
	case FlagOrderRewards:
		if o.RewardsProcessed {
			return false, nil
		}
		o.RewardsProcessed = true
	case FlagDeliveryRewards:
		if o.DeliveryRewardsProcessed {
			return false, nil
		}
		o.DeliveryRewardsProcessed = true
	}
	return true, nil
}

func (m *MemoryStore) ListRewardsPending(ctx context.Context, flag RewardFlag, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if rewardsDue(o, flag) {
			result = append(result, cloneOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateReview(ctx context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[r.OrderID]; !ok {
		return ErrOrderNotFound
	}
	if _, taken := m.reviewByOrder[r.OrderID]; taken {
		return ErrAlreadyReviewed
	}
	cp := *r
	m.reviews[r.ID] = &cp
	m.reviewByOrder[r.OrderID] = r.ID
	return nil
}

func (m *MemoryStore) GetReview(ctx context.Context, id string) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reviews[id]
	if !ok {
		return nil, ErrReviewNotFound
	}
	cp := *r
	return &cp, nil
}

func matchesRole(o *Order, userID string, role Role) bool {
	switch role {
	case RoleBuyer:
		return o.BuyerID == userID
	case RoleSeller:
		return o.SellerID == userID
	}
	return o.BuyerID == userID || o.SellerID == userID
}

// rewardsDue reports whether o reached the status that triggers flag
// without the fan-out having been recorded.
func rewardsDue(o *Order, flag RewardFlag) bool {
	switch flag {
	case FlagOrderRewards:
		return o.Status == StatusCompleted && !o.RewardsProcessed
	case FlagDeliveryRewards:
		return (o.Status == StatusDeliveryConfirmed || o.Status == StatusCompleted) && !o.DeliveryRewardsProcessed
	}
	return false
}

// completedNoLater orders completions by (CompletedAt, ID). Without a
// completion time on ref every completed order counts.
func completedNoLater(x, ref *Order) bool {
	if ref.CompletedAt == nil {
		return true
	}
	if x.CompletedAt == nil {
		return false
	}
	if !x.CompletedAt.Equal(*ref.CompletedAt) {
		return x.CompletedAt.Before(*ref.CompletedAt)
	}
	return x.ID <= ref.ID
}

func cloneOrder(o *Order) *Order {
	cp := *o
	if o.Amount != nil {
		cp.Amount = new(big.Int).Set(o.Amount)
	}
	if o.TradeID != nil {
		id := *o.TradeID
		cp.TradeID = &id
	}
	if o.PurchaseID != nil {
		id := *o.PurchaseID
		cp.PurchaseID = &id
	}
	if o.CompletedAt != nil {
		at := *o.CompletedAt
		cp.CompletedAt = &at
	}
	if o.Dispute != nil {
		d := *o.Dispute
		if o.Dispute.ResolvedAt != nil {
			at := *o.Dispute.ResolvedAt
			d.ResolvedAt = &at
		}
		cp.Dispute = &d
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
