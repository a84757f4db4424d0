// Package retryloop implements the reverse proxy's per-request orchestration:
// select a key, gate on the target's circuit breaker, dispatch, classify the
// response, and act on the verdict until a decisive answer or the attempt
// budget is spent.
package retryloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stranmor/keyrelay/internal/apperrors"
	"github.com/stranmor/keyrelay/internal/breaker"
	"github.com/stranmor/keyrelay/internal/classifier"
	"github.com/stranmor/keyrelay/internal/config"
	"github.com/stranmor/keyrelay/internal/keymanager"
	"github.com/stranmor/keyrelay/internal/keystate"
	"github.com/stranmor/keyrelay/internal/logging"
)

// Dispatcher sends a fully-prepared request upstream. *http.Client satisfies
// this directly.
type Dispatcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// hopByHopHeaders are stripped from both the inbound request and the
// upstream response, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

// defaultCredentialHeader is the header the upstream (Gemini-shaped) API
// expects the credential in.
const defaultCredentialHeader = "x-goog-api-key"

// Request is an inbound client request, already buffered by the proxy
// handler (internal/proxy decides whether buffering is appropriate).
type Request struct {
	Method    string
	Path      string // path + raw query, copied onto the upstream target URL
	Header    http.Header
	Body      []byte
	GroupHint string
	Model     string
}

// Result is the fully-buffered upstream response the loop decided to return
// to the client.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Loop wires the Key Manager, Circuit Breaker Registry, and Response
// Classifier Chain into the retry procedure described for the reverse proxy.
type Loop struct {
	keyManager *keymanager.Manager
	breakers   *breaker.Registry
	store      keystate.Store
	client     Dispatcher
	cfgStore   *config.Store
	logger     logging.Logger
}

// New builds a Loop. cfgStore is read on every attempt so a config reload
// takes effect on the next request without restarting the proxy.
func New(km *keymanager.Manager, breakers *breaker.Registry, store keystate.Store, client Dispatcher, cfgStore *config.Store, logger logging.Logger) *Loop {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Loop{keyManager: km, breakers: breakers, store: store, client: client, cfgStore: cfgStore, logger: logger}
}

// Execute runs the attempt loop for one client request and returns the
// response to forward. It never returns a nil Result without an error.
func (l *Loop) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg := l.cfgStore.Current()

	groupName, ok := l.keyManager.ResolveGroup(req.GroupHint, req.Model)
	if !ok {
		return nil, apperrors.Newf(apperrors.InvalidRequest, "no key group configured for model %q", req.Model)
	}

	maxAttempts := int(cfg.InternalRetries) + 1
	// Breaker-open skips don't consume the dispatch budget (P6), but the
	// loop still needs a hard ceiling to terminate when every candidate
	// key's target is perpetually open.
	maxSkips := maxAttempts*2 + 4

	attempts := 0
	skips := 0
	sawOpenSkip := false

	for attempts < maxAttempts {
		fk, ok := l.keyManager.Next(groupName)
		if !ok {
			if sawOpenSkip {
				return nil, apperrors.New("retryloop.Execute", apperrors.Internal, apperrors.ErrCircuitOpen)
			}
			return nil, apperrors.New("retryloop.Execute", apperrors.Internal, apperrors.ErrNoKeysAvailable)
		}

		cb := l.breakers.For(fk.TargetURL)
		if !cb.Allow() {
			skips++
			sawOpenSkip = true
			if skips >= maxSkips {
				return nil, apperrors.New("retryloop.Execute", apperrors.Internal, apperrors.ErrCircuitOpen)
			}
			continue
		}

		attempts++

		upstreamReq, err := l.prepareRequest(ctx, req, fk, cfg)
		if err != nil {
			cb.RecordFailure()
			return nil, apperrors.New("retryloop.prepareRequest", apperrors.Internal, err)
		}

		resp, err := l.client.Do(upstreamReq)
		if err != nil {
			if isClientCanceled(ctx, err) {
				return nil, apperrors.New("retryloop.Execute", apperrors.ClientCanceled, err)
			}
			cb.RecordFailure()
			if recErr := l.store.RecordFailure(fk.Key.Expose(), groupName, false, cfg.MaxFailuresThreshold, blockDuration(cfg)); recErr != nil {
				l.logger.Warn("record_failure after dispatch error failed", map[string]interface{}{"error": recErr.Error()})
			}
			l.logger.Warn("upstream dispatch failed", map[string]interface{}{
				"target_url": fk.TargetURL,
				"attempt":    attempts,
				"error":      err.Error(),
			})
			continue
		}

		body, readErr := bufferBody(resp)
		if readErr != nil {
			resp.Body.Close()
			if isClientCanceled(ctx, readErr) {
				return nil, apperrors.New("retryloop.Execute", apperrors.ClientCanceled, readErr)
			}
			cb.RecordFailure()
			if recErr := l.store.RecordFailure(fk.Key.Expose(), groupName, false, cfg.MaxFailuresThreshold, blockDuration(cfg)); recErr != nil {
				l.logger.Warn("record_failure after read error failed", map[string]interface{}{"error": recErr.Error()})
			}
			continue
		}
		resp.Body.Close()

		action := classifier.Classify(resp.StatusCode, resp.Header, body, fk.Key.Expose())

		switch action.Kind {
		case classifier.ReturnToClient:
			cb.RecordSuccess()
			if recErr := l.store.RecordSuccess(fk.Key.Expose(), groupName); recErr != nil {
				l.logger.Warn("record_success failed", map[string]interface{}{"error": recErr.Error()})
			}
			return &Result{StatusCode: resp.StatusCode, Header: stripHopByHop(resp.Header), Body: body}, nil

		case classifier.Terminal:
			cb.RecordSuccess()
			return &Result{StatusCode: resp.StatusCode, Header: stripHopByHop(resp.Header), Body: body}, nil

		case classifier.RetryNextKey:
			cb.RecordSuccess()
			if recErr := l.store.RecordFailure(fk.Key.Expose(), groupName, false, cfg.MaxFailuresThreshold, blockDuration(cfg)); recErr != nil {
				l.logger.Warn("record_failure failed", map[string]interface{}{"error": recErr.Error()})
			}
			continue

		case classifier.BlockKeyAndRetry:
			cb.RecordSuccess()
			if recErr := l.store.RecordFailure(fk.Key.Expose(), groupName, true, cfg.MaxFailuresThreshold, blockDuration(cfg)); recErr != nil {
				l.logger.Warn("record_failure (permanent) failed", map[string]interface{}{"error": recErr.Error()})
			}
			continue

		case classifier.WaitFor:
			cb.RecordSuccess()
			// A rate-limit wait is not counted against the dispatch budget
			// (spec: "attempt not counted"), unlike a genuine dispatch
			// failure. attempts was already incremented before dispatch, so
			// undo that here.
			attempts--
			wait := action.WaitTime
			waitCap := time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second
			if waitCap > 0 && wait > waitCap {
				wait = waitCap
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
	}

	return nil, apperrors.New("retryloop.Execute", apperrors.HTTPClient, fmt.Errorf("attempts exhausted for group %q", groupName))
}

// Flusher is satisfied by http.ResponseWriter wrappers that support
// incremental flushing, needed to keep an SSE stream live on the wire.
type Flusher interface {
	Flush()
}

// ExecuteStreaming runs the same attempt procedure as Execute, but commits
// to direct passthrough the moment an upstream response is 2xx: no
// buffering, no further retries (P7) — status and headers are written
// immediately and the body is copied chunk by chunk, flushing after every
// chunk so an SSE client sees events as they arrive. Non-2xx responses are
// still buffered and classified/retried exactly as in Execute, since only a
// committed 2xx stream forecloses retrying.
func (l *Loop) ExecuteStreaming(ctx context.Context, req *Request, w http.ResponseWriter) error {
	cfg := l.cfgStore.Current()

	groupName, ok := l.keyManager.ResolveGroup(req.GroupHint, req.Model)
	if !ok {
		return apperrors.Newf(apperrors.InvalidRequest, "no key group configured for model %q", req.Model)
	}

	maxAttempts := int(cfg.InternalRetries) + 1
	maxSkips := maxAttempts*2 + 4
	attempts := 0
	skips := 0
	sawOpenSkip := false

	for attempts < maxAttempts {
		fk, ok := l.keyManager.Next(groupName)
		if !ok {
			if sawOpenSkip {
				return apperrors.New("retryloop.ExecuteStreaming", apperrors.Internal, apperrors.ErrCircuitOpen)
			}
			return apperrors.New("retryloop.ExecuteStreaming", apperrors.Internal, apperrors.ErrNoKeysAvailable)
		}

		cb := l.breakers.For(fk.TargetURL)
		if !cb.Allow() {
			skips++
			sawOpenSkip = true
			if skips >= maxSkips {
				return apperrors.New("retryloop.ExecuteStreaming", apperrors.Internal, apperrors.ErrCircuitOpen)
			}
			continue
		}
		attempts++

		upstreamReq, err := l.prepareRequest(ctx, req, fk, cfg)
		if err != nil {
			cb.RecordFailure()
			return apperrors.New("retryloop.prepareRequest", apperrors.Internal, err)
		}

		resp, err := l.client.Do(upstreamReq)
		if err != nil {
			if isClientCanceled(ctx, err) {
				return apperrors.New("retryloop.ExecuteStreaming", apperrors.ClientCanceled, err)
			}
			cb.RecordFailure()
			_ = l.store.RecordFailure(fk.Key.Expose(), groupName, false, cfg.MaxFailuresThreshold, blockDuration(cfg))
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			cb.RecordSuccess()
			_ = l.store.RecordSuccess(fk.Key.Expose(), groupName)
			return streamResponse(resp, w)
		}

		body, readErr := bufferBody(resp)
		resp.Body.Close()
		if readErr != nil {
			if isClientCanceled(ctx, readErr) {
				return apperrors.New("retryloop.ExecuteStreaming", apperrors.ClientCanceled, readErr)
			}
			cb.RecordFailure()
			_ = l.store.RecordFailure(fk.Key.Expose(), groupName, false, cfg.MaxFailuresThreshold, blockDuration(cfg))
			continue
		}

		action := classifier.Classify(resp.StatusCode, resp.Header, body, fk.Key.Expose())
		switch action.Kind {
		case classifier.Terminal:
			cb.RecordSuccess()
			return writeBuffered(w, resp.StatusCode, stripHopByHop(resp.Header), body)
		case classifier.RetryNextKey:
			cb.RecordSuccess()
			_ = l.store.RecordFailure(fk.Key.Expose(), groupName, false, cfg.MaxFailuresThreshold, blockDuration(cfg))
			continue
		case classifier.BlockKeyAndRetry:
			cb.RecordSuccess()
			_ = l.store.RecordFailure(fk.Key.Expose(), groupName, true, cfg.MaxFailuresThreshold, blockDuration(cfg))
			continue
		case classifier.WaitFor:
			cb.RecordSuccess()
			// See the identical comment in Execute: a rate-limit wait
			// doesn't consume the dispatch budget.
			attempts--
			wait := action.WaitTime
			waitCap := time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second
			if waitCap > 0 && wait > waitCap {
				wait = waitCap
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		default:
			cb.RecordSuccess()
			return writeBuffered(w, resp.StatusCode, stripHopByHop(resp.Header), body)
		}
	}

	return apperrors.New("retryloop.ExecuteStreaming", apperrors.HTTPClient, fmt.Errorf("attempts exhausted for group %q", groupName))
}

// streamResponse commits the response to the wire: headers and status are
// written once, then the body is copied in small chunks with a Flush after
// each one so an SSE stream reaches the client live.
func streamResponse(resp *http.Response, w http.ResponseWriter) error {
	defer resp.Body.Close()
	header := w.Header()
	for k, vv := range stripHopByHop(resp.Header) {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func writeBuffered(w http.ResponseWriter, status int, header http.Header, body []byte) error {
	out := w.Header()
	for k, vv := range header {
		for _, v := range vv {
			out.Add(k, v)
		}
	}
	w.WriteHeader(status)
	_, err := w.Write(body)
	return err
}

// prepareRequest rewrites the client's request into one destined for fk's
// target: strips hop-by-hop headers, injects the credential, sets Host, and
// fills top_p into a JSON body when the caller omitted it.
func (l *Loop) prepareRequest(ctx context.Context, req *Request, fk keymanager.FlattenedKeyInfo, cfg *config.Config) (*http.Request, error) {
	target, err := url.Parse(strings.TrimRight(fk.TargetURL, "/") + req.Path)
	if err != nil {
		return nil, err
	}

	body := req.Body
	if topP := cfg.EffectiveTopP(fk.GroupName); topP != nil {
		body = applyTopP(body, *topP)
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for k, vv := range req.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			upstreamReq.Header.Add(k, v)
		}
	}
	upstreamReq.Header.Set(defaultCredentialHeader, fk.Key.Expose())
	upstreamReq.Host = target.Host
	upstreamReq.ContentLength = int64(len(body))

	return upstreamReq, nil
}

// applyTopP injects "top_p" into a JSON object body when the key is absent.
// Non-object or non-JSON bodies pass through untouched — top_p injection is
// a best-effort convenience, not a contract the proxy enforces on callers.
func applyTopP(body []byte, topP float32) []byte {
	if len(body) == 0 {
		return body
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	if _, present := doc["top_p"]; present {
		return body
	}
	doc["top_p"] = topP
	out, err := json.Marshal(doc)
	if err != nil {
		return body
	}
	return out
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func stripHopByHop(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

func bufferBody(resp *http.Response) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	_, err := buf.ReadFrom(resp.Body)
	return buf.Bytes(), err
}

func blockDuration(cfg *config.Config) time.Duration {
	return time.Duration(cfg.TemporaryBlockMinutes) * time.Minute
}

// isClientCanceled distinguishes the inbound client disconnecting from a
// genuine upstream failure: both surface as an error from l.client.Do or
// the body read, but only the latter should count against a key's or
// breaker's failure tally. A disconnect cancels ctx (context.Canceled),
// never context.DeadlineExceeded, which is a real upstream/request timeout
// and stays classified as an upstream failure.
func isClientCanceled(ctx context.Context, err error) bool {
	return ctx.Err() == context.Canceled || errors.Is(err, context.Canceled)
}
