package logging

import (
	"context"
	"log/slog"
	"os"
)

const (
	// FieldSessionID identifies one daemon process lifetime across log lines.
	FieldSessionID = "session_id"
	FieldPID       = "pid"
)

// stampHandler appends a fixed set of attributes to every record after the
// record's own attributes. Lines from overlapping restarts that share a log
// file stay distinguishable.
type stampHandler struct {
	base  slog.Handler
	stamp []slog.Attr
}

func newStampHandler(base slog.Handler, sessionID string) slog.Handler {
	if base == nil {
		return NoopHandler{}
	}
	return &stampHandler{
		base: base,
		stamp: []slog.Attr{
			slog.String(FieldSessionID, sessionID),
			slog.Int(FieldPID, os.Getpid()),
		},
	}
}

func (h *stampHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *stampHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(h.stamp...)
	return h.base.Handle(ctx, record)
}

func (h *stampHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &stampHandler{base: h.base.WithAttrs(attrs), stamp: h.stamp}
}

func (h *stampHandler) WithGroup(name string) slog.Handler {
	return &stampHandler{base: h.base.WithGroup(name), stamp: h.stamp}
}
