// Package proxy implements the catch-all reverse-proxy request path: body
// size enforcement, streaming detection, and handing the request to the
// retry loop for key selection and dispatch.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/stranmor/keyrelay/internal/apperrors"
	"github.com/stranmor/keyrelay/internal/config"
	"github.com/stranmor/keyrelay/internal/logging"
	"github.com/stranmor/keyrelay/internal/retryloop"
	"github.com/stranmor/keyrelay/internal/tokencount"
)

// MaxBodyBytes is the hard ceiling on an inbound request body. Requests
// over this size are rejected with 413 before a key is ever consulted.
const MaxBodyBytes = 10 * 1024 * 1024 // 10 MiB

// GroupHintHeader lets a client pin its request to a specific configured
// group, bypassing model-alias resolution.
const GroupHintHeader = "X-Keyrelay-Group"

// Handler is the catch-all "/*" proxy endpoint.
type Handler struct {
	loop     *retryloop.Loop
	cfgStore *config.Store
	logger   logging.Logger
}

// New builds the reverse-proxy handler.
func New(loop *retryloop.Loop, cfgStore *config.Store, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Handler{loop: loop, cfgStore: cfgStore, logger: logger}
}

// requestEnvelope is the subset of a client's JSON body this proxy needs to
// inspect before dispatch: whether streaming was requested and which model
// to route by. Unknown fields are left untouched when the body is later
// forwarded — this is a read-only peek, not a reserialization.
type requestEnvelope struct {
	Stream *bool  `json:"stream"`
	Model  string `json:"model"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfgStore.Current()
	instance := r.URL.Path

	if r.ContentLength > MaxBodyBytes {
		apperrors.WriteJSON(w, instance, &apperrors.ProxyError{
			Op: "proxy.ServeHTTP", Kind: apperrors.RequestTooLarge,
			Size: r.ContentLength, MaxSize: MaxBodyBytes,
		})
		return
	}

	limited := io.LimitReader(r.Body, MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		apperrors.WriteJSON(w, instance, apperrors.New("proxy.ServeHTTP", apperrors.IO, err))
		return
	}
	if int64(len(body)) > MaxBodyBytes {
		apperrors.WriteJSON(w, instance, &apperrors.ProxyError{
			Op: "proxy.ServeHTTP", Kind: apperrors.RequestTooLarge,
			Size: int64(len(body)), MaxSize: MaxBodyBytes,
		})
		return
	}

	if err := tokencount.CheckLimit(body, cfg.Server.MaxTokensPerRequest); err != nil {
		apperrors.WriteJSON(w, instance, err)
		return
	}

	var env requestEnvelope
	_ = json.Unmarshal(body, &env) // best-effort; non-JSON bodies just skip stream/model detection

	streaming := isStreamingRequest(r, env)
	groupHint := r.Header.Get(GroupHintHeader)

	req := &retryloop.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Header:    r.Header.Clone(),
		Body:      body,
		GroupHint: groupHint,
		Model:     env.Model,
	}

	if streaming {
		if err := h.loop.ExecuteStreaming(r.Context(), req, w); err != nil {
			logDispatchFailure(r.Context(), h.logger, "streaming dispatch failed", err)
			apperrors.WriteJSON(w, instance, toProxyError(err))
		}
		return
	}

	res, err := h.loop.Execute(r.Context(), req)
	if err != nil {
		logDispatchFailure(r.Context(), h.logger, "dispatch failed", err)
		apperrors.WriteJSON(w, instance, toProxyError(err))
		return
	}

	out := w.Header()
	for k, vv := range res.Header {
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

// logDispatchFailure logs at Warn rather than Error when the dispatch
// failure was the client disconnecting, not an upstream/key problem.
func logDispatchFailure(ctx context.Context, logger logging.Logger, msg string, err error) {
	fields := map[string]interface{}{"error": err.Error()}
	var pe *apperrors.ProxyError
	if errors.As(err, &pe) && pe.Kind == apperrors.ClientCanceled {
		logger.WarnWithContext(ctx, msg, fields)
		return
	}
	logger.ErrorWithContext(ctx, msg, fields)
}

func toProxyError(err error) error {
	if pe, ok := err.(*apperrors.ProxyError); ok {
		return pe
	}
	return apperrors.New("proxy.ServeHTTP", apperrors.Internal, err)
}

// isStreamingRequest detects streaming two ways: an explicit JSON
// "stream": true field, or an Accept header asking for SSE.
func isStreamingRequest(r *http.Request, env requestEnvelope) bool {
	if env.Stream != nil && *env.Stream {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
