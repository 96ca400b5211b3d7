package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"voicerelay/pkg/config"
)

func serve(router *gin.Engine, remote string, header http.Header) int {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	for k, v := range header {
		req.Header[k] = v
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func routerWith(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := routerWith(NewHTTPRateLimitMiddleware(cfg))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000", nil))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000", nil))
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := routerWith(NewHTTPRateLimitMiddleware(cfg))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000", nil))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.1:1000", nil))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.2:1000", nil), "other IPs are unaffected")
}

func TestConnectionRateLimitMiddleware(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2

	router := routerWith(NewConnectionRateLimitMiddleware(cfg))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1000", nil))
	assert.Equal(t, http.StatusOK, serve(router, "10.0.0.1:1001", nil))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "10.0.0.1:1002", nil))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.0.2.1", ClientIP(req))
}

func TestRateLimiterStore_EvictIdle(t *testing.T) {
	store := newRateLimiterStore(1, 1)
	store.getLimiter("a")
	store.limiters["a"].lastSeen = time.Now().Add(-time.Hour)
	store.getLimiter("b")

	assert.Equal(t, 1, store.evictIdle(time.Minute))
	_, ok := store.limiters["b"]
	assert.True(t, ok)
}
