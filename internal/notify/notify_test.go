package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/marketsettle/internal/logging"
)

type pushed struct {
	userID    string
	eventType string
	payload   any
}

type mockPusher struct {
	mu     sync.Mutex
	pushes []pushed
	err    error
}

func (m *mockPusher) Push(userID, eventType string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.pushes = append(m.pushes, pushed{userID, eventType, payload})
	return nil
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Create(context.Context, *Notification) error { return errors.New("insert failed") }

// steppedClock returns strictly increasing times so ordering is deterministic.
func steppedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestService(pusher Pusher) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, pusher, logging.Discard())
	svc.now = steppedClock()
	return svc, store
}

func TestNotify_StoresThenPushes(t *testing.T) {
	pusher := &mockPusher{}
	svc, _ := newTestService(pusher)
	ctx := context.Background()

	n, err := svc.Notify(ctx, "user_seller", Notification{
		Type:  TypeOrderCreated,
		Title: "New order",
		Data:  map[string]any{"orderId": "ord_1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "user_seller", n.UserID)

	require.Len(t, pusher.pushes, 1)
	assert.Equal(t, "user_seller", pusher.pushes[0].userID)
	assert.Equal(t, string(TypeOrderCreated), pusher.pushes[0].eventType)

	page, err := svc.List(ctx, "user_seller", "", 10, false)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, n.ID, page.Items[0].ID)
	assert.Equal(t, "ord_1", page.Items[0].Data["orderId"])
}

func TestNotify_PushFailureKeepsRecord(t *testing.T) {
	svc, _ := newTestService(&mockPusher{err: errors.New("no connection")})
	ctx := context.Background()

	_, err := svc.Notify(ctx, "user_buyer", Notification{Type: TypeRewardGranted, Title: "+50 points"})
	require.NoError(t, err, "push failures are never surfaced")

	unread, err := svc.CountUnread(ctx, "user_buyer")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestNotify_WithoutPusher(t *testing.T) {
	svc, _ := newTestService(nil)
	_, err := svc.Notify(context.Background(), "user_buyer", Notification{Type: TypeOrderUpdated, Title: "Accepted"})
	assert.NoError(t, err)
}

func TestNotify_StoreFailureSkipsPush(t *testing.T) {
	pusher := &mockPusher{}
	svc := NewService(failingStore{NewMemoryStore()}, pusher, logging.Discard())

	_, err := svc.Notify(context.Background(), "user_buyer", Notification{Type: TypeOrderUpdated, Title: "Accepted"})
	assert.Error(t, err)
	assert.Empty(t, pusher.pushes)
}

func TestNotify_Validation(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	_, err := svc.Notify(ctx, "", Notification{Title: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Notify(ctx, "user_1", Notification{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestList_PaginatesNewestFirst(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Notify(ctx, "user_1", Notification{Type: TypeOrderUpdated, Title: fmt.Sprintf("n%d", i)})
		require.NoError(t, err)
	}
	_, err := svc.Notify(ctx, "user_2", Notification{Type: TypeOrderUpdated, Title: "other user"})
	require.NoError(t, err)

	first, err := svc.List(ctx, "user_1", "", 2, false)
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "n4", first.Items[0].Title)
	assert.Equal(t, "n3", first.Items[1].Title)

	second, err := svc.List(ctx, "user_1", first.NextCursor, 2, false)
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "n2", second.Items[0].Title)

	last, err := svc.List(ctx, "user_1", second.NextCursor, 2, false)
	require.NoError(t, err)
	require.Len(t, last.Items, 1)
	assert.False(t, last.HasMore)
	assert.Empty(t, last.NextCursor)
	assert.Equal(t, "n0", last.Items[0].Title)
}

func TestList_InvalidCursor(t *testing.T) {
	svc, _ := newTestService(nil)
	_, err := svc.List(context.Background(), "user_1", "garbage!!", 10, false)
	assert.Error(t, err)
}

func TestMarkRead(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	a, err := svc.Notify(ctx, "user_1", Notification{Type: TypeOrderUpdated, Title: "a"})
	require.NoError(t, err)
	_, err = svc.Notify(ctx, "user_1", Notification{Type: TypeOrderUpdated, Title: "b"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(ctx, "user_1", a.ID))
	require.NoError(t, svc.MarkRead(ctx, "user_1", a.ID), "marking twice is fine")
	assert.ErrorIs(t, svc.MarkRead(ctx, "user_2", a.ID), ErrNotFound, "users cannot mark others' notifications")

	unread, err := svc.List(ctx, "user_1", "", 10, true)
	require.NoError(t, err)
	require.Len(t, unread.Items, 1)
	assert.Equal(t, "b", unread.Items[0].Title)

	changed, err := svc.MarkAllRead(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	count, err := svc.CountUnread(ctx, "user_1")
	require.NoError(t, err)
	assert.Zero(t, count)
}
