package rewards

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/notify"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockOrders map[string]*OrderFacts

func (m mockOrders) OrderFacts(_ context.Context, orderID string) (*OrderFacts, error) {
	f, ok := m[orderID]
	if !ok {
		return nil, faults.New(faults.NotFound, "order not found")
	}
	return f, nil
}

type mockReviews map[string]*ReviewFacts

func (m mockReviews) ReviewFacts(_ context.Context, reviewID string) (*ReviewFacts, error) {
	f, ok := m[reviewID]
	if !ok {
		return nil, faults.New(faults.NotFound, "review not found")
	}
	return f, nil
}

type mockNotifier struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (m *mockNotifier) Notify(_ context.Context, userID string, n notify.Notification) (*notify.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.users = append(m.users, userID)
	return &n, nil
}

var errInjected = errors.New("injected failure")

// faultyStore fails the Nth reward insert of a transaction, or every
// balance increment.
type faultyStore struct {
	*MemoryStore
	failInsertAt  int
	failIncrement bool
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return f.MemoryStore.WithTx(ctx, func(tx Tx) error {
		return fn(&faultyTx{Tx: tx, store: f})
	})
}

type faultyTx struct {
	Tx
	store   *faultyStore
	inserts int
}

func (t *faultyTx) InsertReward(ctx context.Context, r *Reward) error {
	t.inserts++
	if t.inserts == t.store.failInsertAt {
		return errInjected
	}
	return t.Tx.InsertReward(ctx, r)
}

func (t *faultyTx) IncrementBalance(ctx context.Context, userID string, points int64) error {
	if t.store.failIncrement {
		return errInjected
	}
	return t.Tx.IncrementBalance(ctx, userID, points)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLedger(t *testing.T, store Store, cfg Config, users ...string) (*Ledger, *clock) {
	t.Helper()
	l := NewLedger(store, cfg, logging.Discard())
	c := newClock()
	l.now = c.now
	for _, u := range users {
		_, err := l.OpenAccount(context.Background(), u)
		require.NoError(t, err)
	}
	return l, c
}

func balance(t *testing.T, l *Ledger, userID string) int64 {
	t.Helper()
	a, err := l.Balance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, a.TotalPoints, a.AvailablePoints)
	return a.TotalPoints
}

func actions(rs []*Reward) []Action {
	out := make([]Action, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Action)
	}
	return out
}

// sumHistory checks the balance invariant against the reward rows.
func sumHistory(t *testing.T, l *Ledger, userID string) int64 {
	t.Helper()
	rows, err := l.History(context.Background(), userID, 100)
	require.NoError(t, err)
	var sum int64
	for _, r := range rows {
		sum += r.Points
	}
	return sum
}

// ---------------------------------------------------------------------------
// AwardPoints
// ---------------------------------------------------------------------------

func TestAwardPoints_WritesRowAndBalance(t *testing.T) {
	notifier := &mockNotifier{}
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "alice")
	l.WithNotifier(notifier)

	r, err := l.AwardPoints(context.Background(), "alice", ActionProductListed, "prod_1", map[string]any{"tradeId": "7"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Points)
	assert.Equal(t, "prod_1", r.ReferenceID)

	assert.Equal(t, int64(10), balance(t, l, "alice"))
	assert.Equal(t, int64(10), sumHistory(t, l, "alice"))
	assert.Equal(t, []string{"alice"}, notifier.users)
}

func TestAwardPoints_Errors(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.Points, ActionTestnetBonus)
	l, _ := newTestLedger(t, NewMemoryStore(), cfg, "alice")
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		action Action
		want   error
	}{
		{"unconfigured action", "alice", ActionTestnetBonus, ErrUnknownActionType},
		{"bogus action", "alice", Action("FREE_MONEY"), ErrUnknownActionType},
		{"no account", "mallory", ActionProductSold, ErrUserNotFound},
		{"empty user", "", ActionProductSold, ErrInvalidUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.AwardPoints(ctx, tt.user, tt.action, "", nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, int64(0), balance(t, l, "alice"))
	rows, err := l.History(ctx, "mallory", 10)
	require.NoError(t, err)
	assert.Empty(t, rows, "failed grants leave no reward rows")
}

func TestAwardPoints_AtomicUnderInjectedFailure(t *testing.T) {
	store := &faultyStore{MemoryStore: NewMemoryStore(), failIncrement: true}
	notifier := &mockNotifier{}
	l, _ := newTestLedger(t, store, DefaultConfig(), "alice")
	l.WithNotifier(notifier)

	_, err := l.AwardPoints(context.Background(), "alice", ActionProductSold, "ord_1", nil)
	require.ErrorIs(t, err, errInjected)

	assert.Equal(t, int64(0), balance(t, l, "alice"))
	assert.Equal(t, int64(0), sumHistory(t, l, "alice"), "the inserted row must be rolled back")
	assert.Empty(t, notifier.users, "nothing is announced for a rolled back grant")
}

func TestAwardPoints_NotificationFailureIsIgnored(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "alice")
	l.WithNotifier(&mockNotifier{err: errors.New("push down")})

	_, err := l.AwardPoints(context.Background(), "alice", ActionReviewSubmitted, "rev_1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance(t, l, "alice"))
}

func TestNewLedger_CopiesConfig(t *testing.T) {
	cfg := DefaultConfig()
	l, _ := newTestLedger(t, NewMemoryStore(), cfg, "alice")

	cfg.Points[ActionProductSold] = 1_000_000

	p, ok := l.PointsFor(ActionProductSold)
	assert.True(t, ok)
	assert.Equal(t, int64(50), p)
}

// ---------------------------------------------------------------------------
// Order completion fan-out
// ---------------------------------------------------------------------------

func TestProcessOrderRewards_RegularSale(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "seller", "buyer")
	l.WithOrders(mockOrders{"ord_1": {OrderID: "ord_1", SellerID: "seller", BuyerID: "buyer", SellerCompletedSales: 3, BuyerCompletedPurchases: 2}})

	granted, err := l.ProcessOrderRewards(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionProductSold}, actions(granted))
	assert.Equal(t, int64(50), balance(t, l, "seller"))
	assert.Equal(t, int64(0), balance(t, l, "buyer"))
}

func TestProcessOrderRewards_TenthSaleAndFirstPurchase(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "seller", "buyer")
	l.WithOrders(mockOrders{"ord_10": {OrderID: "ord_10", SellerID: "seller", BuyerID: "buyer", SellerCompletedSales: 10, BuyerCompletedPurchases: 1}})

	granted, err := l.ProcessOrderRewards(context.Background(), "ord_10")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Action{ActionProductSold, ActionSalesMilestone, ActionFirstPurchase}, actions(granted))
	assert.Equal(t, int64(300), balance(t, l, "seller"))
	assert.Equal(t, int64(100), balance(t, l, "buyer"))
	assert.Equal(t, balance(t, l, "seller"), sumHistory(t, l, "seller"))
}

func TestProcessOrderRewards_PurchaseMilestoneAndTestnet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TestnetMode = true
	l, _ := newTestLedger(t, NewMemoryStore(), cfg, "seller", "buyer")
	l.WithOrders(mockOrders{"ord_20": {OrderID: "ord_20", SellerID: "seller", BuyerID: "buyer", SellerCompletedSales: 4, BuyerCompletedPurchases: 20}})

	granted, err := l.ProcessOrderRewards(context.Background(), "ord_20")
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]Action{ActionProductSold, ActionPurchaseMilestone, ActionTestnetBonus, ActionTestnetBonus},
		actions(granted))
	assert.Equal(t, int64(75), balance(t, l, "seller"))
	assert.Equal(t, int64(225), balance(t, l, "buyer"))
}

func TestProcessOrderRewards_ExactlyOnce(t *testing.T) {
	notifier := &mockNotifier{}
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "seller", "buyer")
	l.WithOrders(mockOrders{"ord_1": {OrderID: "ord_1", SellerID: "seller", BuyerID: "buyer", SellerCompletedSales: 1, BuyerCompletedPurchases: 1}})
	l.WithNotifier(notifier)

	first, err := l.ProcessOrderRewards(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Len(t, first, 2)

	again, err := l.ProcessOrderRewards(context.Background(), "ord_1")
	require.NoError(t, err)
	assert.Empty(t, again)

	assert.Equal(t, int64(50), balance(t, l, "seller"))
	assert.Equal(t, int64(100), balance(t, l, "buyer"))
	assert.Len(t, notifier.users, 2)
}

func TestProcessOrderRewards_ConcurrentReplaysGrantOnce(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "seller", "buyer")
	l.WithOrders(mockOrders{"ord_1": {OrderID: "ord_1", SellerID: "seller", BuyerID: "buyer", SellerCompletedSales: 2, BuyerCompletedPurchases: 2}})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ProcessOrderRewards(context.Background(), "ord_1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), balance(t, l, "seller"))
}

func TestProcessOrderRewards_PartialFailureRollsBackWholeUnit(t *testing.T) {
	// The second insert of the unit (SALES_MILESTONE) fails.
	store := &faultyStore{MemoryStore: NewMemoryStore(), failInsertAt: 2}
	l, _ := newTestLedger(t, store, DefaultConfig(), "seller", "buyer")
	l.WithOrders(mockOrders{"ord_10": {OrderID: "ord_10", SellerID: "seller", BuyerID: "buyer", SellerCompletedSales: 10, BuyerCompletedPurchases: 3}})

	_, err := l.ProcessOrderRewards(context.Background(), "ord_10")
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, int64(0), balance(t, l, "seller"), "PRODUCT_SOLD must be rolled back too")
	assert.Equal(t, int64(0), sumHistory(t, l, "seller"))

	// The claim rolled back with the grants, so a retry still applies.
	store.failInsertAt = 0
	granted, err := l.ProcessOrderRewards(context.Background(), "ord_10")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Action{ActionProductSold, ActionSalesMilestone}, actions(granted))
	assert.Equal(t, int64(300), balance(t, l, "seller"))
}

func TestProcessOrderRewards_MissingAccountFailsUnit(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "seller")
	l.WithOrders(mockOrders{"ord_1": {OrderID: "ord_1", SellerID: "seller", BuyerID: "ghost", SellerCompletedSales: 1, BuyerCompletedPurchases: 1}})

	_, err := l.ProcessOrderRewards(context.Background(), "ord_1")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, int64(0), balance(t, l, "seller"))
}

func TestProcessOrderRewards_UnknownOrder(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig())
	l.WithOrders(mockOrders{})

	_, err := l.ProcessOrderRewards(context.Background(), "ord_missing")
	assert.True(t, faults.Is(err, faults.NotFound))
}

func TestProcessOrderRewards_MilestoneWithinWindowIsSkipped(t *testing.T) {
	l, clk := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "seller", "buyer")
	l.WithOrders(mockOrders{
		"ord_a": {OrderID: "ord_a", SellerID: "seller", BuyerID: "buyer", SellerCompletedSales: 10, BuyerCompletedPurchases: 5},
		"ord_b": {OrderID: "ord_b", SellerID: "seller", BuyerID: "buyer", SellerCompletedSales: 20, BuyerCompletedPurchases: 6},
		"ord_c": {OrderID: "ord_c", SellerID: "seller", BuyerID: "buyer", SellerCompletedSales: 30, BuyerCompletedPurchases: 7},
	})
	ctx := context.Background()

	_, err := l.ProcessOrderRewards(ctx, "ord_a")
	require.NoError(t, err)

	granted, err := l.ProcessOrderRewards(ctx, "ord_b")
	require.NoError(t, err, "a rate-limited milestone never fails the unit")
	assert.Equal(t, []Action{ActionProductSold}, actions(granted))

	clk.advance(25 * time.Hour)
	granted, err = l.ProcessOrderRewards(ctx, "ord_c")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Action{ActionProductSold, ActionSalesMilestone}, actions(granted))

	assert.Equal(t, int64(50*3+250*2), balance(t, l, "seller"))
}

// ---------------------------------------------------------------------------
// Delivery and reviews
// ---------------------------------------------------------------------------

func TestProcessDeliveryConfirmation_BothPartiesOnce(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "seller", "buyer")
	l.WithOrders(mockOrders{"ord_1": {OrderID: "ord_1", SellerID: "seller", BuyerID: "buyer"}})
	ctx := context.Background()

	granted, err := l.ProcessDeliveryConfirmation(ctx, "ord_1")
	require.NoError(t, err)
	assert.Len(t, granted, 2)

	again, err := l.ProcessDeliveryConfirmation(ctx, "ord_1")
	require.NoError(t, err)
	assert.Empty(t, again)

	assert.Equal(t, int64(20), balance(t, l, "seller"))
	assert.Equal(t, int64(20), balance(t, l, "buyer"))

	// Delivery and completion are separate units with separate claims.
	completed, err := l.ProcessOrderRewards(ctx, "ord_1")
	require.NoError(t, err)
	assert.NotEmpty(t, completed)
}

func TestReviewRewards(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "seller", "buyer")
	l.WithReviews(mockReviews{
		"rev_5": {ReviewID: "rev_5", OrderID: "ord_1", SellerID: "seller", BuyerID: "buyer", Rating: 5},
		"rev_3": {ReviewID: "rev_3", OrderID: "ord_2", SellerID: "seller", BuyerID: "buyer", Rating: 3},
	})
	ctx := context.Background()

	_, err := l.ProcessReviewSubmitted(ctx, "rev_5")
	require.NoError(t, err)
	_, err = l.ProcessFiveStarReview(ctx, "rev_5")
	require.NoError(t, err)
	_, err = l.ProcessFiveStarReview(ctx, "rev_5")
	require.NoError(t, err)

	_, err = l.ProcessFiveStarReview(ctx, "rev_3")
	assert.ErrorIs(t, err, ErrNotFiveStar)

	assert.Equal(t, int64(30), balance(t, l, "seller"))
	assert.Equal(t, int64(40), balance(t, l, "buyer"))
}

// ---------------------------------------------------------------------------
// AntiSpam
// ---------------------------------------------------------------------------

func TestAntiSpam_ValidateMilestone(t *testing.T) {
	l, clk := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "seller")
	ctx := context.Background()
	guard := l.AntiSpam()

	require.NoError(t, guard.ValidateMilestone(ctx, "seller", ActionSalesMilestone))

	_, err := l.AwardPoints(ctx, "seller", ActionSalesMilestone, "ord_10", nil)
	require.NoError(t, err)

	err = guard.ValidateMilestone(ctx, "seller", ActionSalesMilestone)
	assert.ErrorIs(t, err, ErrMilestoneAlreadyClaimed)
	assert.Equal(t, faults.SoftRejection, faults.KindOf(err))

	assert.NoError(t, guard.ValidateMilestone(ctx, "seller", ActionPurchaseMilestone), "window is per action")

	clk.advance(guard.Window() + time.Second)
	assert.NoError(t, guard.ValidateMilestone(ctx, "seller", ActionSalesMilestone))
}

func TestOpenAccount_Idempotent(t *testing.T) {
	l, _ := newTestLedger(t, NewMemoryStore(), DefaultConfig(), "alice")
	ctx := context.Background()

	_, err := l.AwardPoints(ctx, "alice", ActionProductListed, "", nil)
	require.NoError(t, err)

	a, err := l.OpenAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.TotalPoints, "reopening keeps the balance")

	_, err = l.OpenAccount(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidUser)
}
