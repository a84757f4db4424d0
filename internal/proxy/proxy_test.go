package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stranmor/keyrelay/internal/breaker"
	"github.com/stranmor/keyrelay/internal/config"
	"github.com/stranmor/keyrelay/internal/keymanager"
	"github.com/stranmor/keyrelay/internal/keystate"
	"github.com/stranmor/keyrelay/internal/retryloop"
)

type fakeDispatcher struct {
	responses []fakeResponse
	calls     atomic.Int64
}

type fakeResponse struct {
	status int
	header http.Header
	body   string
}

func (f *fakeDispatcher) Do(req *http.Request) (*http.Response, error) {
	i := int(f.calls.Add(1)) - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	r := f.responses[i]
	h := r.header
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{StatusCode: r.status, Header: h, Body: io.NopCloser(strings.NewReader(r.body))}, nil
}

func newHandler(t *testing.T, cfg *config.Config, disp retryloop.Dispatcher) *Handler {
	t.Helper()
	store := keystate.NewMemoryStore()
	km, err := keymanager.New(cfg, store, nil)
	require.NoError(t, err)
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.CircuitBreaker.RecoveryTimeoutSecs) * time.Second,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}, nil)
	cfgStore := config.NewStore(cfg)
	loop := retryloop.New(km, breakers, store, disp, cfgStore, nil)
	return New(loop, cfgStore, nil)
}

func testCfg() *config.Config {
	return &config.Config{
		Server:                config.ServerConfig{Port: 8080, RequestTimeoutSecs: 5},
		Groups:                []config.KeyGroup{{Name: "primary", APIKeys: []string{"key-aaaa1111"}, TargetURL: "https://upstream.example"}},
		MaxFailuresThreshold:  3,
		InternalRetries:       3,
		TemporaryBlockMinutes: 5,
		CircuitBreaker:        config.CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeoutSecs: 60, HalfOpenMaxCalls: 3},
	}
}

func TestNonStreamingRequestPassesThrough(t *testing.T) {
	disp := &fakeDispatcher{responses: []fakeResponse{{status: 200, body: `{"ok":true}`}}}
	h := newHandler(t, testCfg(), disp)

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestOversizedContentLengthRejected(t *testing.T) {
	h := newHandler(t, testCfg(), &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString("x"))
	req.ContentLength = MaxBodyBytes + 1
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestOversizedActualBodyRejected(t *testing.T) {
	h := newHandler(t, testCfg(), &fakeDispatcher{})

	body := strings.Repeat("x", MaxBodyBytes+10)
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", strings.NewReader(body))
	req.ContentLength = -1 // force the handler to discover the size by reading
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestTokenPreflightErrorNamesTokens(t *testing.T) {
	cfg := testCfg()
	max := uint64(1)
	cfg.Server.MaxTokensPerRequest = &max
	h := newHandler(t, cfg, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(`{"prompt":"this is way more than four characters of prompt text"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "tokens")
	assert.NotContains(t, rec.Body.String(), "maximum allowed bytes")
}

func TestStreamingDetectedByBodyFlag(t *testing.T) {
	disp := &fakeDispatcher{responses: []fakeResponse{{status: 200, body: "data: hello\n\n"}}}
	h := newHandler(t, testCfg(), disp)

	req := httptest.NewRequest(http.MethodPost, "/v1/stream", bytes.NewBufferString(`{"stream":true}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")
}

func TestStreamingDetectedByAcceptHeader(t *testing.T) {
	disp := &fakeDispatcher{responses: []fakeResponse{{status: 200, body: "data: hello\n\n"}}}
	h := newHandler(t, testCfg(), disp)

	req := httptest.NewRequest(http.MethodPost, "/v1/stream", bytes.NewBufferString(`{}`))
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")
}

func TestGroupHintHeaderSelectsGroup(t *testing.T) {
	disp := &fakeDispatcher{responses: []fakeResponse{{status: 200, body: `{"ok":true}`}}}
	cfg := testCfg()
	cfg.Groups = append(cfg.Groups, config.KeyGroup{Name: "secondary", APIKeys: []string{"key-cccc3333"}, TargetURL: "https://upstream2.example"})
	h := newHandler(t, cfg, disp)

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(`{}`))
	req.Header.Set(GroupHintHeader, "secondary")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
}
