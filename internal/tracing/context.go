package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SessionIDKey is the context key for the shared session id
	SessionIDKey ContextKey = "session_id"
	// ConnIDKey is the context key for the client connection id
	ConnIDKey ContextKey = "conn_id"
	// EventKey is the context key for the inbound event name
	EventKey ContextKey = "event"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	SessionID string
	ConnID    string
	Event     string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionID adds a session id to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithConnID adds a connection id to the context
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID)
}

// WithEvent adds an event name to the context
func WithEvent(ctx context.Context, event string) context.Context {
	return context.WithValue(ctx, EventKey, event)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetSessionID retrieves the session id from the context
func GetSessionID(ctx context.Context) string {
	return stringValue(ctx, SessionIDKey)
}

// GetConnID retrieves the connection id from the context
func GetConnID(ctx context.Context) string {
	return stringValue(ctx, ConnIDKey)
}

// GetEvent retrieves the event name from the context
func GetEvent(ctx context.Context) string {
	return stringValue(ctx, EventKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		SessionID: GetSessionID(ctx),
		ConnID:    GetConnID(ctx),
		Event:     GetEvent(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.ConnID != "" {
		ctx = WithConnID(ctx, tc.ConnID)
	}
	if tc.Event != "" {
		ctx = WithEvent(ctx, tc.Event)
	}
	return ctx
}

// NewMessageContext starts a trace for one inbound client message.
func NewMessageContext(ctx context.Context, connID, event string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithConnID(ctx, connID)
	return WithEvent(ctx, event)
}
