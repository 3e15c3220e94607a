package callcontrol

import (
	"context"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// traceLogger builds the engine logger from the trace options. A trace file
// gets its own rotating text log; otherwise the base logger is reused with
// the requested minimum level.
func traceLogger(base *slog.Logger, opts Options) (*slog.Logger, io.Closer) {
	if opts.TraceFile != "" {
		w := &lumberjack.Logger{
			Filename:   opts.TraceFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.TraceLevel})
		return slog.New(h), w
	}
	if opts.Trace {
		return slog.New(&levelHandler{level: opts.TraceLevel, next: base.Handler()}), nil
	}
	return base, nil
}

// levelHandler raises the minimum level of another handler.
type levelHandler struct {
	level slog.Leveler
	next  slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.next.Enabled(ctx, l)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithGroup(name)}
}
