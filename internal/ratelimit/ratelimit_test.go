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

	"github.com/mbd888/careline/internal/auth"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	l.now = clock.Now
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("test-ip"), "request %d should be allowed (within burst)", i)
	}
	assert.False(t, limiter.Allow("test-ip"), "request after burst should be denied")

	// 1 token per second at 60/min
	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("test-ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, clock := newLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 2})

	limiter.Allow("k")
	clock.Advance(time.Hour)

	assert.True(t, limiter.Allow("k"))
	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"), "idle time must not bank more than the burst")
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter, clock := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})

	limiter.Allow("stale")
	clock.Advance(3 * time.Minute)
	limiter.Allow("fresh")
	limiter.evictIdle(2 * time.Minute)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.NotContains(t, limiter.buckets, "stale")
	assert.Contains(t, limiter.buckets, "fresh")
}

func TestLimiterTakeReportsRemainingAndRetry(t *testing.T) {
	limiter, clock := newLimiter(t, Config{RequestsPerMinute: 30, BurstSize: 2})

	d := limiter.Take("k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	limiter.Take("k")
	d = limiter.Take("k")
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	// 30/min refills one token every 2s
	assert.Equal(t, 2*time.Second, d.RetryAfter)

	clock.Advance(time.Second)
	d = limiter.Take("k")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}

func TestMiddleware_KeysByUserThenIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-User"); id == "7" {
			c.Set(auth.ContextKeyUserID, int64(7))
		}
		c.Next()
	})
	router.Use(limiter.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, do("").Code)
	// same IP, but an authenticated user has their own bucket
	require.Equal(t, http.StatusOK, do("7").Code)

	w := do("")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusTooManyRequests, do("7").Code)
}
