package breaker

import (
	"sync"

	"github.com/stranmor/keyrelay/internal/logging"
)

// Registry lazily creates and memoizes one Breaker per target_url.
type Registry struct {
	cfg    Config
	logger logging.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a registry where every breaker shares cfg (the proxy
// has one circuit_breaker configuration block, applied per endpoint).
func NewRegistry(cfg Config, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for targetURL, creating it on first use.
func (r *Registry) For(targetURL string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[targetURL]; ok {
		return b
	}
	logger := r.logger
	if cal, ok := logger.(logging.ComponentAwareLogger); ok {
		logger = cal.WithComponent("proxy/breaker")
	}
	b := New(r.cfg, logger)
	r.breakers[targetURL] = b
	return b
}

// Snapshot returns every known endpoint's current stats, keyed by
// target_url, for the metrics/admin surface.
func (r *Registry) Snapshot() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.breakers))
	for url, b := range r.breakers {
		out[url] = b.Stats()
	}
	return out
}
