// Package classifier implements the ordered, pure-function chain that maps
// an upstream response to a retry Action. Classifiers are enumerated
// statically and dispatched by an ordinary Go switch/slice walk rather than
// through an interface with dynamic dispatch: the chain is a closed sum
// type, not an open plugin system, so every status code has exactly one
// outcome and that mapping is trivial to exhaust in tests.
package classifier

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the retry decision a classifier can produce.
type Kind int

const (
	// ReturnToClient is normal passthrough: forward the response as-is and
	// record the key's success.
	ReturnToClient Kind = iota
	// RetryNextKey means the current key is fine but should not be reused
	// for this attempt; try another key without blocking this one.
	RetryNextKey
	// BlockKeyAndRetry means the current key is broken; mark it blocked
	// (permanently) then try another key.
	BlockKeyAndRetry
	// WaitFor means honour an upstream-advertised retry delay before
	// trying another key.
	WaitFor
	// Terminal means retrying is pointless; return the response verbatim
	// without touching any key state.
	Terminal
)

// Action is the classifier chain's verdict for one response.
type Action struct {
	Kind     Kind
	WaitTime time.Duration // populated only when Kind == WaitFor
}

const invalidKeySentinel = "API_KEY_INVALID"

// Classify runs the canonical ordered chain against one upstream response
// and returns exactly one Action for every status in [100, 599] — the
// catch-all and final fallthrough guarantee totality (P5). key is the
// credential that produced this response; every classifier accepts it for
// uniformity even though none of the current rules key their decision on
// its value.
//
// Canonical order: Success, RateLimit, InvalidKey, Timeout, TerminalError,
// then a success passthrough fallthrough.
func Classify(status int, headers http.Header, body []byte, key string) Action {
	if a, ok := classifySuccess(status); ok {
		return a
	}
	if a, ok := classifyRateLimit(status, headers); ok {
		return a
	}
	if a, ok := classifyInvalidKey(status, body); ok {
		return a
	}
	if a, ok := classifyTimeout(status, body); ok {
		return a
	}
	if a, ok := classifyTerminalError(status); ok {
		return a
	}
	// Fallthrough: no classifier matched — treat as success passthrough.
	return Action{Kind: ReturnToClient}
}

// classifySuccess: 2xx -> ReturnToClient.
func classifySuccess(status int) (Action, bool) {
	if status >= 200 && status < 300 {
		return Action{Kind: ReturnToClient}, true
	}
	return Action{}, false
}

// classifyRateLimit: 429 -> RetryNextKey, unless the upstream supplies
// Retry-After, in which case WaitFor(duration) takes precedence.
func classifyRateLimit(status int, headers http.Header) (Action, bool) {
	if status != http.StatusTooManyRequests {
		return Action{}, false
	}
	if d, ok := parseRetryAfter(headers); ok {
		return Action{Kind: WaitFor, WaitTime: d}, true
	}
	return Action{Kind: RetryNextKey}, true
}

// parseRetryAfter understands both delay-seconds and HTTP-date forms of
// Retry-After.
func parseRetryAfter(headers http.Header) (time.Duration, bool) {
	v := headers.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(v); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// classifyInvalidKey: 400 with body containing the vendor's invalid-key
// sentinel -> BlockKeyAndRetry (permanent).
func classifyInvalidKey(status int, body []byte) (Action, bool) {
	if status != http.StatusBadRequest {
		return Action{}, false
	}
	if strings.Contains(string(body), invalidKeySentinel) {
		return Action{Kind: BlockKeyAndRetry}, true
	}
	return Action{}, false
}

// classifyTimeout: 408/504, or 5xx whose body mentions a timeout, ->
// RetryNextKey without blocking the key.
func classifyTimeout(status int, body []byte) (Action, bool) {
	if status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout {
		return Action{Kind: RetryNextKey}, true
	}
	if status >= 500 && status < 600 {
		lower := strings.ToLower(string(body))
		if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
			return Action{Kind: RetryNextKey}, true
		}
	}
	return Action{}, false
}

// classifyTerminalError: any remaining 5xx, or 4xx other than 400 and 429,
// -> Terminal passthrough. No key-state mutation.
func classifyTerminalError(status int) (Action, bool) {
	if status >= 500 && status < 600 {
		return Action{Kind: Terminal}, true
	}
	if status >= 400 && status < 500 && status != http.StatusBadRequest && status != http.StatusTooManyRequests {
		return Action{Kind: Terminal}, true
	}
	return Action{}, false
}
