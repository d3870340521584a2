package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepIndexKey
	agentRefKey
	subjectKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStepIndex returns a context with the step index set.
func WithStepIndex(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, stepIndexKey, index)
}

// WithAgentRef returns a context with the agent reference set.
func WithAgentRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, agentRefKey, ref)
}

// WithSubject returns a context with the subject ("type/id") set.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// StepIndex extracts the step index from the context. ok is false if absent.
func StepIndex(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(stepIndexKey).(int)
	return v, ok
}

// AgentRef extracts the agent reference from the context, or "" if absent.
func AgentRef(ctx context.Context) string {
	v, _ := ctx.Value(agentRefKey).(string)
	return v
}

// Subject extracts the subject from the context, or "" if absent.
func Subject(ctx context.Context) string {
	v, _ := ctx.Value(subjectKey).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ExecutionID(ctx); v != "" {
		attrs = append(attrs, slog.String("execution_id", v))
	}
	if v, ok := StepIndex(ctx); ok {
		attrs = append(attrs, slog.Int("step_index", v))
	}
	if v := AgentRef(ctx); v != "" {
		attrs = append(attrs, slog.String("agent_ref", v))
	}
	if v := Subject(ctx); v != "" {
		attrs = append(attrs, slog.String("subject", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only values present on the context are added.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
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

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels. Unknown values are info.
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

// New builds the process logger. format is "json" or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}
