package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stranmor/keyrelay/internal/config"
)

func TestDisabledWhenUnconfigured(t *testing.T) {
	l := New(nil)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("1.2.3.4"))
	}
}

func TestBurstThenThrottled(t *testing.T) {
	l := New(&config.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 2})
	assert.True(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"), "third immediate request exceeds the burst")
}

func TestLimitsArePerClient(t *testing.T) {
	l := New(&config.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1})
	assert.True(t, l.Allow("1.2.3.4"))
	assert.False(t, l.Allow("1.2.3.4"))
	assert.True(t, l.Allow("5.6.7.8"), "a different client has its own bucket")
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	l := New(&config.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1})
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}
