package rewards

import (
	"context"
	"sort"
	"sync"
	"time"
)

type claimKey struct {
	event string
	ref   string
}

// MemoryStore is an in-memory reward store for development and tests.
// Transactions are staged and applied on commit under the store lock.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	rewards  map[string][]*Reward
	claims   map[claimKey]time.Time
}

// NewMemoryStore creates a new in-memory reward store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		rewards:  make(map[string][]*Reward),
		claims:   make(map[claimKey]time.Time),
	}
}

func (m *MemoryStore) OpenAccount(ctx context.Context, userID string, at time.Time) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[userID]
	if !ok {
		a = &Account{UserID: userID, CreatedAt: at, UpdatedAt: at}
		m.accounts[userID] = a
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListRewards(ctx context.Context, userID string, limit int) ([]*Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.rewards[userID]
	result := make([]*Reward, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		result = append(result, cloneReward(rows[i]))
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) HasRecentReward(ctx context.Context, userID string, action Action, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasRecentLocked(userID, action, since, nil), nil
}

func (m *MemoryStore) hasRecentLocked(userID string, action Action, since time.Time, staged []*Reward) bool {
	for _, rows := range [][]*Reward{m.rewards[userID], staged} {
		for _, r := range rows {
			if r.UserID == userID && r.Action == action && !r.CreatedAt.Before(since) {
				return true
			}
		}
	}
	return false
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m, deltas: make(map[string]int64), claims: make(map[claimKey]time.Time)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, r := range tx.rewards {
		m.rewards[r.UserID] = append(m.rewards[r.UserID], cloneReward(r))
	}
	for userID, points := range tx.deltas {
		a := m.accounts[userID]
		a.TotalPoints += points
		a.AvailablePoints += points
		a.UpdatedAt = time.Now()
	}
	for k, at := range tx.claims {
		m.claims[k] = at
	}
	return nil
}

// memoryTx stages writes; the store lock is held for its whole life.
type memoryTx struct {
	store   *MemoryStore
	rewards []*Reward
	deltas  map[string]int64
	claims  map[claimKey]time.Time
}

func (t *memoryTx) HasRecentReward(ctx context.Context, userID string, action Action, since time.Time) (bool, error) {
	return t.store.hasRecentLocked(userID, action, since, t.rewards), nil
}

func (t *memoryTx) InsertReward(ctx context.Context, r *Reward) error {
	if _, ok := t.store.accounts[r.UserID]; !ok {
		return ErrUserNotFound
	}
	t.rewards = append(t.rewards, cloneReward(r))
	return nil
}

func (t *memoryTx) IncrementBalance(ctx context.Context, userID string, points int64) error {
	if _, ok := t.store.accounts[userID]; !ok {
		return ErrUserNotFound
	}
	t.deltas[userID] += points
	return nil
}

func (t *memoryTx) Claim(ctx context.Context, event, referenceID string, at time.Time) (bool, error) {
	k := claimKey{event: event, ref: referenceID}
	if _, ok := t.store.claims[k]; ok {
		return false, nil
	}
	if _, ok := t.claims[k]; ok {
		return false, nil
	}
	t.claims[k] = at
	return true, nil
}

func cloneReward(r *Reward) *Reward {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
