package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/fulfillment/pkg/metrics"
	"github.com/wyfcoding/fulfillment/pkg/ratelimit"
)

// stubLimiter 每个计数键放行 Burst 次
type stubLimiter struct {
	calls map[string]int
	err   error
}

func (s *stubLimiter) Allow(_ context.Context, key string, limit ratelimit.Limit) (*ratelimit.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[key]++
	if s.calls[key] > limit.Burst {
		return &ratelimit.Result{Allowed: false, Limit: limit, RetryAfter: 1500 * time.Millisecond}, nil
	}
	return &ratelimit.Result{Allowed: true, Limit: limit, Remaining: limit.Burst - s.calls[key]}, nil
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })
	r.GET("/boom", func(*gin.Context) { panic("boom") })
	r.POST("/orders", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.PATCH("/orders/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func get(r http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	return do(r, http.MethodGet, path, header)
}

func do(r http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGinRequestID(t *testing.T) {
	r := newEngine(GinRequestID())

	w := get(r, "/ping", map[string]string{RequestIDHeader: "req-1"})
	assert.Equal(t, "req-1", w.Body.String())
	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))

	w = get(r, "/ping", nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, w.Header().Get(RequestIDHeader), w.Body.String())
}

func TestGinRecoveryMiddleware(t *testing.T) {
	r := newEngine(GinRequestID(), GinLoggingMiddleware(nil), GinRecoveryMiddleware())

	w := get(r, "/boom", map[string]string{RequestIDHeader: "req-2"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "req-2")
}

func TestGinCORSMiddleware_Preflight(t *testing.T) {
	r := newEngine(GinCORSMiddleware())
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitMiddleware(t *testing.T) {
	policy := ratelimit.NewPolicy(ratelimit.PerSecond(3, 3)).Route(http.MethodPost, "/orders", ratelimit.PerSecond(2, 2))
	m := metrics.New("test")
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	r := newEngine(RateLimitMiddleware(&stubLimiter{}, policy, m))

	for i := 0; i < 2; i++ {
		w := do(r, http.MethodPost, "/orders", nil)
		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := do(r, http.MethodPost, "/orders", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, 1.0, rateLimited(t, reg, "POST /orders"))

	w = do(r, http.MethodPatch, "/orders/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
}

func rateLimited(t *testing.T, reg *prometheus.Registry, rule string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "fulfillment_test_http_rate_limited_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "rule" && l.GetValue() == rule {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRateLimitMiddleware_ReadsPass(t *testing.T) {
	policy := ratelimit.NewPolicy(ratelimit.PerSecond(1, 1))
	limiter := &stubLimiter{}
	r := newEngine(RateLimitMiddleware(limiter, policy, nil))

	for i := 0; i < 3; i++ {
		w := get(r, "/ping", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
	assert.Empty(t, limiter.calls)
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	policy := ratelimit.NewPolicy(ratelimit.PerSecond(1, 1))
	r := newEngine(RateLimitMiddleware(&stubLimiter{err: errors.New("redis down")}, policy, nil))

	w := do(r, http.MethodPost, "/orders", nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestPerSecond_BurstAtLeastRate(t *testing.T) {
	l := ratelimit.PerSecond(10, 3)
	assert.Equal(t, 10, l.Burst)
	assert.Equal(t, time.Second, l.Period)
}
