//go:build integration

package reconciliation

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/marketsettle/internal/catalog"
	"github.com/mbd888/marketsettle/internal/testutil"
)

func TestPostgresStore_OrphanLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	listing := catalog.ListingRequest{
		SellerID:       "user_seller",
		SellerWallet:   "0x00000000000000000000000000000000000000aa",
		Name:           "Ceramic bowl",
		Price:          new(big.Int).Exp(big.NewInt(10), big.NewInt(25), nil),
		Stock:          3,
		Providers:      []common.Address{common.HexToAddress("0xbb")},
		LogisticsCosts: []*big.Int{big.NewInt(7)},
	}
	require.NoError(t, store.Record(ctx, &catalog.Orphan{TradeID: 4, TxHash: "0xabc", Listing: listing, Error: "first"}))
	require.NoError(t, store.Record(ctx, &catalog.Orphan{TradeID: 4, TxHash: "0xabc", Listing: listing, Error: "second"}))

	open, err := store.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "second", open[0].Error)
	assert.Equal(t, 0, open[0].Listing.Price.Cmp(listing.Price))
	assert.Equal(t, listing.Providers, open[0].Listing.Providers)

	require.NoError(t, store.RecordAttempt(ctx, 4, "ledger down"))
	require.NoError(t, store.MarkResolved(ctx, 4, "prod_4", time.Now()))

	got, err := store.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "prod_4", got.ProductID)
	assert.NotNil(t, got.ResolvedAt)

	n, err := store.CountOpen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, store.RecordAttempt(ctx, 5, "x"), ErrOrphanNotFound)
	_, err = store.Get(ctx, 5)
	assert.ErrorIs(t, err, ErrOrphanNotFound)
}
