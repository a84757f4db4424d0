// Package health implements the unauthenticated /health endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stranmor/keyrelay/internal/config"
)

// Checker tracks process uptime for the health endpoint. It carries no
// dependency checks: the proxy degrades gracefully on store/upstream
// failure rather than reporting unhealthy, so liveness here is just "the
// process is up and serving."
type Checker struct {
	startTime time.Time
	version   string
	cfgStore  *config.Store
}

func New(version string, cfgStore *config.Store) *Checker {
	return &Checker{startTime: time.Now(), version: version, cfgStore: cfgStore}
}

func (c *Checker) Uptime() time.Duration {
	return time.Since(c.startTime)
}

type response struct {
	Healthy   bool    `json:"healthy"`
	UptimeSec float64 `json:"uptime_seconds"`
	Version   string  `json:"version"`
	TestMode  bool    `json:"test_mode"`
}

func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := c.cfgStore.Current()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{
		Healthy:   true,
		UptimeSec: c.Uptime().Seconds(),
		Version:   c.version,
		TestMode:  cfg.Server.TestMode,
	})
}
