// Package logging provides the structured logger interface shared by every
// proxy subsystem, plus a component-aware implementation that tags every
// line with the emitting subsystem.
package logging

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// Logger is the minimal structured logging interface used throughout the
// proxy. Fields are a map so call sites never build messages with
// fmt.Sprintf for anything carrying a dynamic value.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger extends Logger with a component tag, so a log line
// can be filtered by the subsystem that emitted it:
//
//	component == "proxy/keymanager"
//	component == "proxy/breaker"
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the zero-value default wherever a
// logger has not been explicitly wired, so nothing nil-panics on .Info(...).
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}

func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}

// StdLogger writes structured lines to the standard library's log package.
// It is the default non-noop logger when no other sink is configured.
type StdLogger struct {
	component string
	fields    map[string]interface{}
}

// New creates a root StdLogger with no component tag.
func New() *StdLogger {
	return &StdLogger{}
}

// WithComponent returns a logger tagged with component for every subsequent
// line, per the "proxy/<subsystem>" naming convention.
func (l *StdLogger) WithComponent(component string) Logger {
	return &StdLogger{component: component, fields: l.fields}
}

func (l *StdLogger) Debug(msg string, fields map[string]interface{}) { l.log("DEBUG", msg, fields) }
func (l *StdLogger) Info(msg string, fields map[string]interface{})  { l.log("INFO", msg, fields) }
func (l *StdLogger) Warn(msg string, fields map[string]interface{})  { l.log("WARN", msg, fields) }
func (l *StdLogger) Error(msg string, fields map[string]interface{}) { l.log("ERROR", msg, fields) }

func (l *StdLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withTraceID(ctx, fields))
}
func (l *StdLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withTraceID(ctx, fields))
}
func (l *StdLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withTraceID(ctx, fields))
}
func (l *StdLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withTraceID(ctx, fields))
}

type traceIDKey struct{}

// WithTraceID attaches a request trace ID to ctx for later retrieval by the
// *WithContext logging methods.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func withTraceID(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	id, ok := ctx.Value(traceIDKey{}).(string)
	if !ok || id == "" {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["trace_id"] = id
	return out
}

func (l *StdLogger) log(level, msg string, fields map[string]interface{}) {
	var parts []string
	parts = append(parts, "["+level+"]")
	if l.component != "" {
		parts = append(parts, "component="+l.component)
	}
	parts = append(parts, msg)

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, merged[k]))
	}

	log.Println(strings.Join(parts, " "))
}

// Since is a small convenience used by the health handler and access log
// middleware to render durations consistently.
func Since(start time.Time) time.Duration {
	return time.Since(start)
}
