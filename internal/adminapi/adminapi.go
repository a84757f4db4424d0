// Package adminapi exposes the operator-only surface: unblocking a key and
// inspecting circuit breaker state, gated behind an admin token cookie.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stranmor/keyrelay/internal/apperrors"
	"github.com/stranmor/keyrelay/internal/breaker"
	"github.com/stranmor/keyrelay/internal/config"
	"github.com/stranmor/keyrelay/internal/keystate"
	"github.com/stranmor/keyrelay/internal/logging"
)

// adminTokenCookie is the cookie name the admin UI/CLI must set, mirroring
// the upstream project's own convention.
const adminTokenCookie = "admin_token"

// Handler wires /admin/* routes. It is always mounted; Auth middleware
// gates every request regardless of whether an admin_token is configured.
type Handler struct {
	store    keystate.Store
	breakers *breaker.Registry
	cfgStore *config.Store
	logger   logging.Logger
}

func New(store keystate.Store, breakers *breaker.Registry, cfgStore *config.Store, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Handler{store: store, breakers: breakers, cfgStore: cfgStore, logger: logger}
}

// Auth checks the admin_token cookie against the configured token. Any
// mismatch, missing cookie, or unset server-side token is a 401 — there is
// no partial-credit path, matching the upstream admin_auth middleware.
func (h *Handler) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := h.cfgStore.Current().Server.AdminToken
		if expected == "" {
			h.logger.WarnWithContext(r.Context(), "admin auth rejected: no admin token configured", nil)
			apperrors.WriteJSON(w, r.URL.Path, &apperrors.ProxyError{Op: "adminapi.Auth", Kind: apperrors.Unauthorized})
			return
		}
		cookie, err := r.Cookie(adminTokenCookie)
		if err != nil || cookie.Value != expected {
			h.logger.WarnWithContext(r.Context(), "admin auth rejected: invalid or missing token", nil)
			apperrors.WriteJSON(w, r.URL.Path, &apperrors.ProxyError{Op: "adminapi.Auth", Kind: apperrors.Unauthorized})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Routes mounts the admin API onto r. Callers are expected to wrap this
// subrouter with Auth before exposing it.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/keys/unblock", h.unblockKey)
	r.Get("/breakers", h.listBreakers)
}

// unblockRequest carries the key in the body rather than the URL path: a
// path segment ends up in access logs and error "instance" fields verbatim,
// which would render the full secret in plaintext.
type unblockRequest struct {
	Key string `json:"key"`
}

func (h *Handler) unblockKey(w http.ResponseWriter, r *http.Request) {
	var body unblockRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperrors.WriteJSON(w, r.URL.Path, apperrors.New("adminapi.unblockKey", apperrors.InvalidRequest, err))
		return
	}
	if body.Key == "" {
		apperrors.WriteJSON(w, r.URL.Path, apperrors.Newf(apperrors.InvalidRequest, "missing key field"))
		return
	}
	if err := h.store.Unblock(body.Key); err != nil {
		apperrors.WriteJSON(w, r.URL.Path, apperrors.New("adminapi.unblockKey", apperrors.Internal, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.breakers.Snapshot())
}
