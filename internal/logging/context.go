// Package logging carries request correlation ids through context and
// injects them into slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	agentIDKey ctxKey = iota
	credentialIDKey
	requestIDKey
)

// Attribute names used for correlation ids.
const (
	AttrAgentID      = "agent_id"
	AttrCredentialID = "credential_id"
	AttrRequestID    = "request_id"
)

var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{requestIDKey, AttrRequestID},
	{agentIDKey, AttrAgentID},
	{credentialIDKey, AttrCredentialID},
}

// WithAgentID returns a context with the calling agent ID set.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// WithCredentialID returns a context with the credential ID set.
func WithCredentialID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, credentialIDKey, id)
}

// WithRequestID returns a context with the request ID set.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// AgentID extracts the agent ID from the context, or "" if absent.
func AgentID(ctx context.Context) string {
	v, _ := ctx.Value(agentIDKey).(string)
	return v
}

// CredentialID extracts the credential ID from the context, or "" if absent.
func CredentialID(ctx context.Context) string {
	v, _ := ctx.Value(credentialIDKey).(string)
	return v
}

// RequestID extracts the request ID from the context, or "" if absent.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithIDs sets request, agent and credential IDs at once. Empty values are skipped.
func WithIDs(ctx context.Context, requestID, agentID, credentialID string) context.Context {
	if requestID != "" {
		ctx = WithRequestID(ctx, requestID)
	}
	if agentID != "" {
		ctx = WithAgentID(ctx, agentID)
	}
	if credentialID != "" {
		ctx = WithCredentialID(ctx, credentialID)
	}
	return ctx
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, k := range correlationKeys {
		if v, _ := ctx.Value(k.key).(string); v != "" {
			attrs = append(attrs, slog.String(k.attr, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds correlation IDs from
// the context to every record, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a text logger on w with correlation injection.
func New(w io.Writer, level string) *slog.Logger {
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(NewCorrelationHandler(inner))
}
