package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ObserveRequest("primary", "2xx", 10*time.Millisecond)
	m.ObserveUpstreamFailure("https://upstream.example")
	m.ObserveKeyBlock("primary", true)
	m.ObserveBreakerTrip("https://upstream.example")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "proxy_requests_total")
	assert.Contains(t, body, "proxy_upstream_failures_total")
	assert.Contains(t, body, "proxy_key_blocks_total")
	assert.Contains(t, body, "proxy_breaker_trips_total")
	assert.Contains(t, body, "proxy_request_duration_seconds")
}
