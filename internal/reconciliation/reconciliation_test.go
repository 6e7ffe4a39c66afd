package reconciliation

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/marketsettle/internal/catalog"
	"github.com/mbd888/marketsettle/internal/chain"
	"github.com/mbd888/marketsettle/internal/chain/chaintest"
	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/settlement"
)

// flakyStore fails the first failures product inserts.
type flakyStore struct {
	*catalog.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Create(ctx context.Context, p *catalog.Product) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.MemoryStore.Create(ctx, p)
}

type mockRetrier struct {
	calls int
	n     int
	err   error
}

func (m *mockRetrier) RetryPendingRewards(_ context.Context, _ int) (int, error) {
	m.calls++
	return m.n, m.err
}

type harness struct {
	backend  *chaintest.Backend
	seller   chaintest.Account
	ledger   *chain.Client
	products *flakyStore
	orphans  *MemoryStore
	catalog  *catalog.Service
	runner   *Runner
}

func newHarness(t *testing.T, failures int) *harness {
	t.Helper()
	b := chaintest.NewBackend()
	seller := chaintest.NewAccount(t)
	ledger := b.Client(t, seller)

	products := &flakyStore{MemoryStore: catalog.NewMemoryStore(), failures: failures}
	orphans := NewMemoryStore()
	trades := settlement.NewService(ledger, settlement.DefaultConfig(), logging.Discard())
	cat := catalog.NewService(products, trades, orphans, logging.Discard())

	return &harness{
		backend:  b,
		seller:   seller,
		ledger:   ledger,
		products: products,
		orphans:  orphans,
		catalog:  cat,
		runner:   NewRunner(orphans, ledger, cat, logging.Discard()),
	}
}

func (h *harness) listing() catalog.ListingRequest {
	return catalog.ListingRequest{
		SellerID:       "user_seller",
		SellerWallet:   h.seller.Address.Hex(),
		Name:           "Ceramic bowl",
		Price:          big.NewInt(40_000_000),
		Stock:          12,
		Providers:      []common.Address{common.HexToAddress("0xbb")},
		LogisticsCosts: []*big.Int{big.NewInt(1_000_000)},
	}
}

func TestRunAll_RecoversOrphanedListing(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	_, err := h.catalog.CreateListing(ctx, h.listing())
	require.True(t, faults.Is(err, faults.ReconciliationRequired), "got %v", err)

	open, err := h.orphans.CountOpen(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, open)

	report, err := h.runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.OpenOrphans)

	p, err := h.products.GetByTradeID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ceramic bowl", p.Name)
	assert.Equal(t, int64(12), p.Stock)

	o, err := h.orphans.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, p.ID, o.ProductID)
	require.NotNil(t, o.ResolvedAt)

	again, err := h.runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Recovered, "resolved orphans are not revisited")
}

func TestRunAll_TradeMissingFromLedger(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	require.NoError(t, h.orphans.Record(ctx, &catalog.Orphan{
		TradeID:   99,
		TxHash:    "0xdead",
		Listing:   h.listing(),
		CreatedAt: time.Now(),
	}))

	report, err := h.runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.OpenOrphans)

	o, err := h.orphans.Get(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Attempts)
	assert.Contains(t, o.Error, "not found on ledger")
	assert.Nil(t, o.ResolvedAt)
}

func TestRunAll_SellerMismatchIsNotAttached(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	_, err := h.catalog.CreateListing(ctx, h.listing())
	require.Error(t, err)

	// Rewrite the orphan as if someone else had claimed the trade.
	o, err := h.orphans.Get(ctx, 1)
	require.NoError(t, err)
	o.Listing.SellerWallet = "0x00000000000000000000000000000000000000cc"
	h.orphans.mu.Lock()
	h.orphans.orphans[1] = o
	h.orphans.mu.Unlock()

	report, err := h.runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	_, err = h.products.GetByTradeID(ctx, 1)
	assert.ErrorIs(t, err, catalog.ErrProductNotFound)

	got, err := h.orphans.Get(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "does not match")
}

func TestRunAll_WithoutLedgerOnlyCounts(t *testing.T) {
	orphans := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, orphans.Record(ctx, &catalog.Orphan{TradeID: 5, TxHash: "0x1"}))

	runner := NewRunner(orphans, nil, nil, logging.Discard())
	report, err := runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OpenOrphans)
	assert.Zero(t, report.Recovered)
	assert.Zero(t, report.Failed)
}

func TestRunAll_RetriesPendingRewards(t *testing.T) {
	retrier := &mockRetrier{n: 3}
	runner := NewRunner(NewMemoryStore(), nil, nil, logging.Discard()).WithRewardRetry(retrier)

	report, err := runner.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.RewardsRetried)
	assert.Equal(t, 1, retrier.calls)

	retrier.err = errors.New("db down")
	_, err = runner.RunAll(context.Background())
	assert.ErrorIs(t, err, retrier.err)
}

func TestMemoryStore_RecordIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, &catalog.Orphan{TradeID: 7, Error: "first"}))
	require.NoError(t, store.Record(ctx, &catalog.Orphan{TradeID: 7, Error: "second"}))

	open, err := store.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "second", open[0].Error)

	assert.ErrorIs(t, store.RecordAttempt(ctx, 8, "x"), ErrOrphanNotFound)
	assert.ErrorIs(t, store.MarkResolved(ctx, 8, "prod", time.Now()), ErrOrphanNotFound)
}

func TestTimer_RunsImmediatelyAndStops(t *testing.T) {
	retrier := &mockRetrier{}
	runner := NewRunner(NewMemoryStore(), nil, nil, logging.Discard()).WithRewardRetry(retrier)
	timer := NewTimer(runner, time.Hour, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	require.Eventually(t, timer.Running, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
	assert.Equal(t, 1, retrier.calls)
}
