package logging

import (
	"context"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey int

const (
	traceIDKey contextKey = iota
	spanIDKey
	loggerKey
)

// WithTraceIDCtx returns a new context with the trace ID set.
func WithTraceIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceIDFromCtx extracts the trace ID from the context.
func TraceIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSpanIDCtx returns a new context with the span ID set.
func WithSpanIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, spanIDKey, id)
}

// SpanIDFromCtx extracts the span ID from the context.
func SpanIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(spanIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromCtx returns a logger from the context. If none is found, returns
// a logger configured from the context's trace and span IDs using the
// global logger.
func FromCtx(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}

	l := Global()
	if id := TraceIDFromCtx(ctx); id != "" {
		l = l.WithTraceID(id)
	}
	if id := SpanIDFromCtx(ctx); id != "" {
		l = l.WithSpanID(id)
	}
	return l
}

// LoggerFromCtx returns the logger from context, or nil if not set.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// ContextLogger returns a logger configured with any trace and span IDs
// from the context. If a logger is already in the context, it returns that
// logger updated with any additional IDs from the context.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	l := LoggerFromCtx(ctx)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}

	traceID := TraceIDFromCtx(ctx)
	spanID := SpanIDFromCtx(ctx)

	if traceID != "" {
		l = l.WithTraceID(traceID)
	}
	if spanID != "" {
		l = l.WithSpanID(spanID)
	}

	return l
}

// PropagateIDs returns a new context with trace and span IDs propagated
// from the logger to the context.
func PropagateIDs(ctx context.Context, l *Logger) context.Context {
	if l == nil {
		return ctx
	}

	l.mu.Lock()
	traceID := l.traceID
	spanID := l.spanID
	l.mu.Unlock()

	if traceID != "" {
		ctx = WithTraceIDCtx(ctx, traceID)
	}
	if spanID != "" {
		ctx = WithSpanIDCtx(ctx, spanID)
	}
	return ctx
}
