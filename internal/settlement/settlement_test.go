package settlement

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

	"github.com/mbd888/marketsettle/internal/chain"
	"github.com/mbd888/marketsettle/internal/chain/chaintest"
	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/retry"
	"github.com/mbd888/marketsettle/internal/units"
)

func testConfig() Config {
	return Config{
		ApprovalStrategy: ApproveExact,
		AllowanceRecheck: retry.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 5},
	}
}

type harness struct {
	backend  *chaintest.Backend
	seller   *Service
	buyer    *Service
	buyerAcc chaintest.Account
	provider chaintest.Account
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	b := chaintest.NewBackend()
	sellerAcc, buyerAcc := chaintest.NewAccount(t), chaintest.NewAccount(t)
	return &harness{
		backend:  b,
		seller:   NewService(b.Client(t, sellerAcc), cfg, logging.Discard()),
		buyer:    NewService(b.Client(t, buyerAcc), cfg, logging.Discard()),
		buyerAcc: buyerAcc,
		provider: chaintest.NewAccount(t),
	}
}

func (h *harness) createTrade(t *testing.T, cost, logistics string, qty uint64) chain.TradeID {
	t.Helper()
	rc, err := h.seller.CreateTrade(context.Background(), CreateTradeRequest{
		ProductCost: units.MustParse(cost, units.DefaultDecimals),
		Providers:   []common.Address{h.provider.Address},
		Costs:       []*big.Int{units.MustParse(logistics, units.DefaultDecimals)},
		Quantity:    qty,
	})
	require.NoError(t, err)
	return rc.TradeID
}

func TestBuyTrade_ApprovesThenPays(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	tradeID := h.createTrade(t, "100", "0", 50)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("1000", units.DefaultDecimals))

	rc, err := h.buyer.BuyTrade(ctx, BuyTradeRequest{TradeID: tradeID, Quantity: 5, Provider: h.provider.Address})
	require.NoError(t, err)
	assert.Equal(t, chain.PurchaseID(1), rc.PurchaseID)
	assert.Equal(t, "500", units.Format(rc.TotalCost, units.DefaultDecimals))
	require.NotNil(t, rc.Approval)
	assert.Equal(t, 1, h.backend.SentTo("approve"))

	trade, err := h.buyer.ledger.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, uint64(45), trade.RemainingQuantity)
	assert.Equal(t, "500", units.Format(h.backend.Balance(h.buyerAcc.Address), units.DefaultDecimals))
}

func TestBuyTrade_ExistingAllowanceSkipsApproval(t *testing.T) {
	h := newHarness(t, testConfig())
	tradeID := h.createTrade(t, "2.5", "0.5", 10)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("100", units.DefaultDecimals))
	h.backend.SetAllowance(h.buyerAcc.Address, chaintest.EscrowAddress, units.MustParse("100", units.DefaultDecimals))

	rc, err := h.buyer.BuyTrade(context.Background(), BuyTradeRequest{TradeID: tradeID, Quantity: 3, Provider: h.provider.Address})
	require.NoError(t, err)
	assert.Nil(t, rc.Approval)
	assert.Equal(t, "9", units.Format(rc.TotalCost, units.DefaultDecimals))
	assert.Zero(t, h.backend.SentTo("approve"))
}

func TestBuyTrade_RejectedBeforeApproval(t *testing.T) {
	h := newHarness(t, testConfig())
	tradeID := h.createTrade(t, "1", "0.1", 5)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("100", units.DefaultDecimals))
	stranger := chaintest.NewAccount(t)

	tests := []struct {
		name    string
		req     BuyTradeRequest
		wantErr error
	}{
		{"over quantity", BuyTradeRequest{TradeID: tradeID, Quantity: 6, Provider: h.provider.Address}, ErrInsufficientQuantity},
		{"unknown provider", BuyTradeRequest{TradeID: tradeID, Quantity: 1, Provider: stranger.Address}, ErrUnknownProvider},
		{"zero quantity", BuyTradeRequest{TradeID: tradeID, Quantity: 0, Provider: h.provider.Address}, ErrInvalidRequest},
		{"unknown trade", BuyTradeRequest{TradeID: 42, Quantity: 1, Provider: h.provider.Address}, ErrTradeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.buyer.BuyTrade(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Zero(t, h.backend.SentTo("approve"))
	assert.Zero(t, h.backend.SentTo("buyTrade"))
}

func TestBuyTrade_UnlimitedApprovalOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ApprovalStrategy = ApproveUnlimited
	h := newHarness(t, cfg)
	tradeID := h.createTrade(t, "1", "0", 10)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("10", units.DefaultDecimals))

	for i := 0; i < 3; i++ {
		_, err := h.buyer.BuyTrade(context.Background(), BuyTradeRequest{TradeID: tradeID, Quantity: 1, Provider: h.provider.Address})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.backend.SentTo("approve"))
	assert.Equal(t, 0, h.backend.AllowanceOf(h.buyerAcc.Address, chaintest.EscrowAddress).Cmp(chain.MaxAllowance()))
}

func TestBuyTrade_WaitsForApprovalToBecomeVisible(t *testing.T) {
	h := newHarness(t, testConfig())
	h.backend.StaleAllowanceReads = 2
	tradeID := h.createTrade(t, "1", "0", 10)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("10", units.DefaultDecimals))

	_, err := h.buyer.BuyTrade(context.Background(), BuyTradeRequest{TradeID: tradeID, Quantity: 2, Provider: h.provider.Address})
	require.NoError(t, err)
	assert.Equal(t, 1, h.backend.SentTo("approve"))
	assert.Equal(t, 1, h.backend.SentTo("buyTrade"))
}

func TestBuyTrade_NeverPaysAgainstInvisibleApproval(t *testing.T) {
	h := newHarness(t, testConfig())
	h.backend.StaleAllowanceReads = 1000
	tradeID := h.createTrade(t, "1", "0", 10)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("10", units.DefaultDecimals))

	_, err := h.buyer.BuyTrade(context.Background(), BuyTradeRequest{TradeID: tradeID, Quantity: 2, Provider: h.provider.Address})
	require.ErrorIs(t, err, ErrAllowanceNotVisible)
	assert.True(t, faults.MetadataFor(faults.KindOf(err)).Retryable)
	assert.Zero(t, h.backend.SentTo("buyTrade"))
}

func TestBuyTrade_ConcurrentExactApprovals(t *testing.T) {
	h := newHarness(t, testConfig())
	tradeID := h.createTrade(t, "1", "0.25", 20)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("100", units.DefaultDecimals))

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.buyer.BuyTrade(context.Background(), BuyTradeRequest{TradeID: tradeID, Quantity: 2, Provider: h.provider.Address})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	total, remaining, purchased := h.backend.TradeQuantities(uint64(tradeID))
	assert.Equal(t, uint64(20), total)
	assert.Equal(t, uint64(8), purchased)
	assert.Equal(t, uint64(12), remaining)
}

func TestRemainingQuantityInvariant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	tradeID := h.createTrade(t, "3", "1", 12)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("1000", units.DefaultDecimals))

	check := func() {
		t.Helper()
		total, remaining, purchased := h.backend.TradeQuantities(uint64(tradeID))
		assert.Equal(t, total-purchased, remaining)
		trade, err := h.buyer.ledger.GetTrade(ctx, tradeID)
		require.NoError(t, err)
		assert.Equal(t, remaining, trade.RemainingQuantity)
	}

	buy := func(qty uint64) chain.PurchaseID {
		rc, err := h.buyer.BuyTrade(ctx, BuyTradeRequest{TradeID: tradeID, Quantity: qty, Provider: h.provider.Address})
		require.NoError(t, err)
		check()
		return rc.PurchaseID
	}

	first := buy(3)
	buy(4)
	_, err := h.buyer.CancelPurchase(ctx, first)
	require.NoError(t, err)
	check()
	last := buy(5)
	_, err = h.buyer.CancelPurchase(ctx, last)
	require.NoError(t, err)
	check()

	trade, err := h.buyer.ledger.GetTrade(ctx, tradeID)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), trade.RemainingQuantity)
	assert.True(t, trade.Active)
}

func TestCreateTrade_Validation(t *testing.T) {
	h := newHarness(t, testConfig())
	one := big.NewInt(1)
	p := h.provider.Address

	tests := []struct {
		name string
		req  CreateTradeRequest
	}{
		{"nil cost", CreateTradeRequest{Providers: []common.Address{p}, Costs: []*big.Int{one}, Quantity: 1}},
		{"zero quantity", CreateTradeRequest{ProductCost: one, Providers: []common.Address{p}, Costs: []*big.Int{one}}},
		{"no providers", CreateTradeRequest{ProductCost: one, Quantity: 1}},
		{"length mismatch", CreateTradeRequest{ProductCost: one, Providers: []common.Address{p}, Costs: []*big.Int{one, one}, Quantity: 1}},
		{"negative cost", CreateTradeRequest{ProductCost: one, Providers: []common.Address{p}, Costs: []*big.Int{big.NewInt(-1)}, Quantity: 1}},
		{"zero address", CreateTradeRequest{ProductCost: one, Providers: []common.Address{{}}, Costs: []*big.Int{one}, Quantity: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.seller.CreateTrade(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Equal(t, faults.Validation, faults.KindOf(err))
		})
	}
	assert.Empty(t, h.backend.Sent())
}

func TestCreateTrade_TimeoutCarriesHash(t *testing.T) {
	b := chaintest.NewBackend()
	b.NeverMine = true
	client := b.Client(t, chaintest.NewAccount(t), chain.WithConfirmation(20*time.Millisecond, time.Millisecond, 2*time.Millisecond))
	svc := NewService(client, testConfig(), logging.Discard())

	_, err := svc.CreateTrade(context.Background(), CreateTradeRequest{
		ProductCost: big.NewInt(100),
		Providers:   []common.Address{chaintest.NewAccount(t).Address},
		Costs:       []*big.Int{big.NewInt(1)},
		Quantity:    1,
	})
	var pending *PendingError
	require.True(t, errors.As(err, &pending))
	assert.Equal(t, b.Sent()[0].Hash(), common.Hash(pending.TxHash))
	assert.ErrorIs(t, err, chain.ErrConfirmationTimeout)
	assert.Equal(t, faults.ConfirmationTimeout, faults.KindOf(err))
}

func TestConfirmPurchase_RevertedIsTyped(t *testing.T) {
	h := newHarness(t, testConfig())
	tradeID := h.createTrade(t, "1", "0", 1)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("10", units.DefaultDecimals))
	rc, err := h.buyer.BuyTrade(context.Background(), BuyTradeRequest{TradeID: tradeID, Quantity: 1, Provider: h.provider.Address})
	require.NoError(t, err)

	// With estimation down, confirming an undelivered purchase is only
	// rejected once mined.
	h.backend.EstimateErr = errors.New("estimator offline")
	_, err = h.buyer.ConfirmPurchase(context.Background(), rc.PurchaseID)
	require.ErrorIs(t, err, chain.ErrTransactionReverted)
	assert.Equal(t, faults.TransactionReverted, faults.KindOf(err))
}

func TestDeliveryAndRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	tradeID := h.createTrade(t, "10", "2", 5)
	h.backend.Mint(h.buyerAcc.Address, units.MustParse("100", units.DefaultDecimals))

	rc, err := h.buyer.BuyTrade(ctx, BuyTradeRequest{TradeID: tradeID, Quantity: 2, Provider: h.provider.Address})
	require.NoError(t, err)

	providerSvc := NewService(h.backend.Client(t, h.provider), testConfig(), logging.Discard())
	_, err = providerSvc.ConfirmDelivery(ctx, rc.PurchaseID)
	require.NoError(t, err)
	_, err = h.buyer.ConfirmPurchase(ctx, rc.PurchaseID)
	require.NoError(t, err)

	// 2 units at 10 less a 2.5% fee, plus 2 units of logistics at 2.
	assert.Equal(t, "19.5", units.Format(h.backend.Balance(h.seller.ledger.Address()), units.DefaultDecimals))
	assert.Equal(t, "4", units.Format(h.backend.Balance(h.provider.Address), units.DefaultDecimals))
}
