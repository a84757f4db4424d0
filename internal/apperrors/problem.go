package apperrors

import (
	"encoding/json"
	"net/http"
)

// Problem is a Problem-Details (RFC 7807 flavored) error body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// statusFor maps a Kind to the HTTP status it renders as. Centralized here
// so no handler re-derives the mapping.
func statusFor(k Kind) int {
	switch k {
	case InvalidRequest, Validation:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case RequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case ConfigNotFound, ConfigParse, ConfigValidation:
		return http.StatusInternalServerError
	case SecurityViolation:
		return http.StatusForbidden
	case HTTPClient, RedisConnection, RedisOperation, KeyHealthCheckFailed, IO, Serialization, Internal:
		return http.StatusBadGateway
	case ClientCanceled:
		// 499 (nginx's "Client Closed Request"): the client disconnected
		// before a response could be produced, so no standard status fits.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// detailFor renders the detail string, applying the rule that
// RequestTooLarge must name "tokens" when triggered by the token
// pre-flight check (Field == "tokens") and "bytes" otherwise.
func detailFor(e *ProxyError) string {
	if e.Kind == RequestTooLarge {
		unit := "bytes"
		if e.Field == "tokens" {
			unit = "tokens"
		}
		return "request exceeds maximum allowed " + unit
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// WriteJSON renders err as a Problem-Details JSON response. Unauthorized
// carries no further detail per the external contract; retry exhaustion is
// expected to be rendered by the caller with its own minimal body naming
// the group, never a key.
func WriteJSON(w http.ResponseWriter, instance string, err error) {
	pe, ok := err.(*ProxyError)
	if !ok {
		pe = &ProxyError{Kind: Internal, Err: err}
	}

	status := statusFor(pe.Kind)
	title := http.StatusText(status)
	if title == "" && pe.Kind == ClientCanceled {
		title = "Client Closed Request"
	}
	p := Problem{
		Type:     "https://keyrelay.dev/errors/" + string(pe.Kind),
		Title:    title,
		Status:   status,
		Instance: instance,
	}
	if pe.Kind != Unauthorized {
		p.Detail = detailFor(pe)
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}
