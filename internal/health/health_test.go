package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stranmor/keyrelay/internal/config"
)

func TestServeHTTPReportsHealthy(t *testing.T) {
	cfgStore := config.NewStore(&config.Config{Server: config.ServerConfig{TestMode: true}})
	c := New("test-version", cfgStore)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)

	var body response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.True(t, body.TestMode)
	assert.Equal(t, "test-version", body.Version)
	assert.GreaterOrEqual(t, body.UptimeSec, 0.0)
}
