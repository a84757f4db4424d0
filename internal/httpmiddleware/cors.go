package httpmiddleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/stranmor/keyrelay/internal/config"
)

// CORS applies cross-origin headers for the admin API based on cfg,
// answering OPTIONS preflights directly. When cfg.Enabled is false every
// request passes through untouched.
func CORS(cfg config.AdminCORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cookie")
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAgeSecs))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed matches origin against allowed, supporting exact matches,
// "*" for any origin, and a "*.example.com" wildcard subdomain form.
func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
		if idx := strings.Index(a, "*."); idx >= 0 {
			prefix, suffix := a[:idx], a[idx+2:]
			if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				remaining := strings.TrimSuffix(strings.TrimPrefix(origin, prefix), suffix)
				if remaining != "" {
					return true
				}
			}
		}
	}
	return false
}
