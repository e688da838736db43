package redstone

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// Logger writes one JSON object per line, tagged with the service name and,
// when ctx carries a span, its trace and span ids.
type Logger struct {
	Service string
	l       *slog.Logger
}

func NewLogger(service string) *Logger {
	return NewLoggerTo(os.Stdout, service)
}

func NewLoggerTo(w io.Writer, service string) *Logger {
	h := &traceHandler{Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})}
	return &Logger{Service: service, l: slog.New(h).With("service", service)}
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	l.emit(ctx, slog.LevelInfo, msg, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.emit(ctx, slog.LevelWarn, msg, fields)
}

func (l *Logger) Error(ctx context.Context, msg string, fields map[string]any) {
	l.emit(ctx, slog.LevelError, msg, fields)
}

func (l *Logger) emit(ctx context.Context, level slog.Level, msg string, fields map[string]any) {
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	l.l.LogAttrs(ctx, level, msg, attrs...)
}

type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		r.AddAttrs(slog.String("span_id", sc.SpanID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}
