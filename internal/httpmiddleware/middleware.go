// Package httpmiddleware provides the HTTP-layer concerns shared by every
// route: status-capturing response wrapping with SSE flush support, and
// access logging.
package httpmiddleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stranmor/keyrelay/internal/logging"
)

// ResponseWriter wraps http.ResponseWriter to capture the status code while
// remaining transparent to streaming responses: Flush is forwarded so
// Server-Sent Event bodies keep flowing byte-for-byte as the upstream sends
// them rather than being buffered by this wrapper.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	written    bool
}

func Wrap(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.StatusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.StatusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher so SSE streaming keeps working through the
// wrapper.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// TraceID stamps every request with a UUID used for log correlation and
// echoed back as the Problem-Details "instance" field on error.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := logging.WithTraceID(r.Context(), id)
		w.Header().Set("X-Trace-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessLog logs HTTP requests and responses. In dev mode it logs every
// request; otherwise only non-2xx responses and requests slower than one
// second are logged, keeping steady-state traffic quiet.
func AccessLog(logger logging.Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := Wrap(w)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			shouldLog := devMode || wrapped.StatusCode >= 400 || duration > time.Second
			if !shouldLog {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.StatusCode,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}

			switch {
			case wrapped.StatusCode >= 500:
				logger.ErrorWithContext(r.Context(), "http request error", fields)
			case wrapped.StatusCode >= 400:
				logger.WarnWithContext(r.Context(), "http request client error", fields)
			case duration > time.Second:
				logger.WarnWithContext(r.Context(), "http request slow", fields)
			default:
				logger.InfoWithContext(r.Context(), "http request", fields)
			}
		})
	}
}
