package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/marketsettle/internal/catalog"
	"github.com/mbd888/marketsettle/internal/chain/chaintest"
	"github.com/mbd888/marketsettle/internal/config"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/orders"
	"github.com/mbd888/marketsettle/internal/rewards"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		RPCURL:               "http://127.0.0.1:8545",
		ChainID:              config.DefaultChainID,
		EscrowContract:       "0x00000000000000000000000000000000000000e5",
		TokenContract:        "0x00000000000000000000000000000000000000a1",
		TokenDecimals:        config.DefaultTokenDecimals,
		ConfirmationTimeout:  time.Second,
		ConfirmationPoll:     time.Millisecond,
		ConfirmationMaxPoll:  10 * time.Millisecond,
		ApprovalStrategy:     "exact",
		RewardAntiSpamWindow: time.Hour,
		ReconcileInterval:    time.Hour,
	}
}

type testServer struct {
	*Server
	backend *chaintest.Backend
	seller  chaintest.Account
}

// newTestServer creates a server backed by the in-process ledger
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	b := chaintest.NewBackend()
	seller := chaintest.NewAccount(t)
	s, err := New(testConfig(),
		WithLedger(b.Client(t, seller)),
		WithLogger(logging.Discard()),
		WithVersion("test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if s.cancelRunCtx != nil {
			s.cancelRunCtx()
		}
		s.rateLimiter.Stop()
	})
	return &testServer{Server: s, backend: b, seller: seller}
}

func (s *testServer) get(path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.get("/health", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)

	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"ledger", "reconciler"}, names, "no database check without DATABASE_URL")
}

func TestHealthEndpoint_ReconcilerDownIsDegraded(t *testing.T) {
	s := newTestServer(t)
	// Ready but the reconciliation loop was never started.
	s.ready.Store(true)

	w := s.get("/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "reconciliation loop is not running")
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.get("/health/live", nil).Code)

	s.healthy.Store(false)
	assert.Equal(t, http.StatusServiceUnavailable, s.get("/health/live", nil).Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := s.get("/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Store(true)
	w = s.get("/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}

func TestBackgroundLoopsStart(t *testing.T) {
	s := newTestServer(t)
	s.start(context.Background())
	s.ready.Store(true)

	require.Eventually(t, s.reconcileTimer.Running, time.Second, 5*time.Millisecond)
	assert.Equal(t, http.StatusOK, s.get("/health", nil).Code)
}

// ---------------------------------------------------------------------------
// Infrastructure routes
// ---------------------------------------------------------------------------

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	s.get("/health/live", nil)
	w := s.get("/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "marketsettle_http_requests_total")
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	w := s.get("/health/live", map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = s.get("/health/live", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32, "generated ids are 16 random bytes in hex")
}

func TestWebSocket_RequiresUser(t *testing.T) {
	s := newTestServer(t)

	w := s.get("/ws", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebSocket_ConnectionAttemptsAreRateLimited(t *testing.T) {
	s := newTestServer(t)
	hdr := map[string]string{"X-User-ID": "user_flood"}

	limited := 0
	for i := 0; i < 10; i++ {
		if s.get("/ws", hdr).Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Equal(t, 5, limited, "burst of five, then throttled")

	// Another user is unaffected.
	assert.Equal(t, http.StatusUnauthorized, s.get("/ws", nil).Code)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, s.get("/api/v1/orders", nil).Code)
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

func TestWiring_ListingOrderRewardsAndNotifications(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	const seller, buyer = "user_seller", "user_buyer"

	p, err := s.Catalog().CreateListing(ctx, catalog.ListingRequest{
		SellerID:       seller,
		SellerWallet:   s.seller.Address.Hex(),
		Name:           "Walnut cutting board",
		Price:          big.NewInt(30_000_000),
		Stock:          4,
		Providers:      []common.Address{common.HexToAddress("0xbb")},
		LogisticsCosts: []*big.Int{big.NewInt(2_000_000)},
	})
	require.NoError(t, err)
	require.NotNil(t, p.TradeID)

	o, err := s.Orders().CreateOrder(ctx, orders.CreateOrderRequest{ProductID: p.ID, BuyerID: buyer, Quantity: 2})
	require.NoError(t, err)

	for _, step := range []struct {
		status orders.Status
		actor  string
	}{
		{orders.StatusAccepted, seller},
		{orders.StatusCompleted, buyer},
	} {
		st := step.status
		_, err := s.Orders().UpdateOrder(ctx, o.ID, orders.UpdateRequest{Status: &st}, step.actor)
		require.NoError(t, err)
	}

	points := func(a rewards.Action) int64 {
		n, ok := s.Rewards().PointsFor(a)
		require.True(t, ok)
		return n
	}
	acct, err := s.Rewards().Balance(ctx, seller)
	require.NoError(t, err)
	assert.Equal(t,
		points(rewards.ActionProductListed)+points(rewards.ActionDeliveryConfirmed)+points(rewards.ActionProductSold),
		acct.TotalPoints)

	page, err := s.Notifications().List(ctx, seller, "", 50, false)
	require.NoError(t, err)
	var sawOrder bool
	for _, n := range page.Items {
		if strings.Contains(string(n.Type), "order") {
			sawOrder = true
		}
	}
	assert.True(t, sawOrder, "seller is notified about the order")

	report, err := s.Reconciler().RunAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.OpenOrphans)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:secret@db:5432/market?sslmode=disable")
	assert.NotContains(t, masked, "secret")
	assert.Contains(t, masked, "app:")
	assert.Contains(t, masked, "@db:5432/market")

	assert.Equal(t, "postgres://db:5432/market", maskDSN("postgres://db:5432/market"))
	assert.Equal(t, "***", maskDSN("::not a url"))
}
