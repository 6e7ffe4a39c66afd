package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory notification store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byUser map[string][]*Notification
}

// NewMemoryStore creates a new in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byUser: make(map[string][]*Notification)}
}

func (m *MemoryStore) Create(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[n.UserID] = append(m.byUser[n.UserID], clone(n))
	return nil
}

func (m *MemoryStore) List(ctx context.Context, userID string, opts ListOptions) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for _, n := range m.byUser[userID] {
		if opts.UnreadOnly && n.ReadAt != nil {
			continue
		}
		if !opts.After.Before(n.CreatedAt, n.ID) {
			continue
		}
		result = append(result, clone(n))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, userID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.byUser[userID] {
		if n.ID == id {
			if n.ReadAt == nil {
				t := at
				n.ReadAt = &t
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changed int64
	for _, n := range m.byUser[userID] {
		if n.ReadAt == nil {
			t := at
			n.ReadAt = &t
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) CountUnread(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, n := range m.byUser[userID] {
		if n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func clone(n *Notification) *Notification {
	cp := *n
	if n.ReadAt != nil {
		t := *n.ReadAt
		cp.ReadAt = &t
	}
	if n.Data != nil {
		cp.Data = make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
