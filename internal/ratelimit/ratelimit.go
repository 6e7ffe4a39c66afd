// Package ratelimit throttles connection attempts per caller.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "marketsettle",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter",
}, []string{"route"})

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per caller.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle callers are forgotten.
	CleanupInterval time.Duration
}

// DefaultConfig suits WebSocket upgrades: a reconnecting client gets a
// handful of quick retries and then one attempt every few seconds.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 20,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
}

// Limiter is a token bucket per key.
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 || cfg.BurstSize <= 0 {
		def := DefaultConfig()
		cfg.RequestsPerMinute, cfg.BurstSize = def.RequestsPerMinute, def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets that would have refilled completely anyway.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.refillTime())
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) refillTime() time.Duration {
	return time.Duration(float64(l.cfg.BurstSize) / l.rate() * float64(time.Second))
}

func (l *Limiter) rate() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes a token for key. When none is left it returns false and how
// long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastSeen: now}
		l.buckets[key] = b
	}

	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.lastSeen).Seconds()*l.rate())
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.rate() * float64(time.Second))
	return false, wait
}

// Len returns the number of tracked callers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// KeyFor identifies the caller: the declared user when present, otherwise
// the client address.
func KeyFor(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-User-ID")); id != "" {
		return "user:" + id
	}
	if id := strings.TrimSpace(c.Query("userId")); id != "" {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects callers that exceed the limit with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(KeyFor(c))
		if !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			rejectedTotal.WithLabelValues(c.FullPath()).Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many connection attempts. Please slow down.",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
