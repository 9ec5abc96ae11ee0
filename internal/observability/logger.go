// Package observability sets up structured logging and tracing for a run.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

const (
	attrTraceID = "trace_id"
	attrSpanID  = "span_id"
	attrRunID   = "run_id"
)

// NewLogger returns a logger writing to w in the given format ("text" or
// "json") at level ("debug", "info", "warn", "error"). Records carry runID
// and, when a span is active, its trace and span IDs.
func NewLogger(w io.Writer, level, format, runID string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	if runID != "" {
		h = h.WithAttrs([]slog.Attr{slog.String(attrRunID, runID)})
	}
	return slog.New(NewTracingHandler(h))
}

// ParseLevel maps a level name to its slog.Level. Unknown names are info.
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

// TracingHandler is an slog.Handler that adds the active span's trace_id and
// span_id to every record.
type TracingHandler struct {
	inner slog.Handler
}

func NewTracingHandler(inner slog.Handler) *TracingHandler {
	return &TracingHandler{inner: inner}
}

func (h *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String(attrTraceID, sc.TraceID().String()),
			slog.String(attrSpanID, sc.SpanID().String()),
		)
	}
	if err := h.inner.Handle(ctx, record); err != nil {
		return fmt.Errorf("tracing handler: %w", err)
	}
	return nil
}

func (h *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{inner: h.inner.WithGroup(name)}
}

// Printf adapts an slog.Logger to the Printf-style logger used by the
// pipeline engine. Lines are logged at info.
type Printf struct {
	Logger *slog.Logger
}

func (p Printf) Printf(format string, v ...any) {
	p.Logger.Info(fmt.Sprintf(format, v...))
}
