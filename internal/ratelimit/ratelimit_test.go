package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(t *testing.T, perMinute, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: perMinute, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("ip:10.0.0.1")
		require.True(t, ok, "request %d is within burst", i)
	}

	ok, wait := l.Allow("ip:10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	clock.Advance(time.Second)
	ok, _ = l.Allow("ip:10.0.0.1")
	assert.True(t, ok, "one token refills per second at 60/min")
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 2)

	l.Allow("user:a")
	l.Allow("user:a")
	ok, _ := l.Allow("user:a")
	assert.False(t, ok)

	ok, _ = l.Allow("user:b")
	assert.True(t, ok)
}

func TestLimiter_RefillIsCappedAtBurst(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 2)

	clock.Advance(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("user:a"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestLimiter_EvictsIdleCallers(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)

	l.Allow("user:a")
	l.Allow("user:b")
	require.Equal(t, 2, l.Len())

	clock.Advance(3 * time.Second)
	l.Allow("user:b")
	clock.Advance(3 * time.Second)
	l.evictIdle()

	assert.Equal(t, 1, l.Len(), "only the recently seen caller survives")
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestKeyFor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"header", func(r *http.Request) { r.Header.Set("X-User-ID", "user_1") }, "user:user_1"},
		{"query", func(r *http.Request) { r.URL.RawQuery = "userId=user_2" }, "user:user_2"},
		{"address", func(r *http.Request) { r.RemoteAddr = "192.0.2.7:5555" }, "ip:192.0.2.7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tc.setup(req)
			c.Request = req
			assert.Equal(t, tc.want, KeyFor(c))
		})
	}
}

func TestMiddleware_RejectsWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 30, 1)

	router := gin.New()
	router.GET("/ws", l.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("X-User-ID", "user_1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)
	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}
