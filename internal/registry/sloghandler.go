package registry

import (
	"context"
	"log/slog"
)

type logMirrorKey struct{}

func withLogMirror(ctx context.Context) context.Context {
	return context.WithValue(ctx, logMirrorKey{}, true)
}

func inLogMirror(ctx context.Context) bool {
	v, _ := ctx.Value(logMirrorKey{}).(bool)
	return v
}

// SlogHandler forwards records to an inner handler and mirrors those
// at or above Level onto the logs category. The record's "component"
// attribute becomes the broadcast name.
//
// Records logged with a context that came from BroadcastLog are not
// mirrored, so a logs listener that logs with its ctx cannot loop.
type SlogHandler struct {
	inner     slog.Handler
	registry  *Registry
	level     slog.Leveler
	component string
}

// NewSlogHandler wraps inner. Records below level reach only inner.
func NewSlogHandler(inner slog.Handler, r *Registry, level slog.Leveler) *SlogHandler {
	return &SlogHandler{inner: inner, registry: r, level: level, component: "rafi"}
}

// Enabled implements slog.Handler.
func (h *SlogHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler.
func (h *SlogHandler) Handle(ctx context.Context, rec slog.Record) error {
	err := h.inner.Handle(ctx, rec)

	if h.registry == nil || rec.Level < h.level.Level() || inLogMirror(ctx) {
		return err
	}

	name := h.component
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			name = a.Value.String()
			return false
		}
		return true
	})
	h.registry.BroadcastLog(ctx, rec.Level.String(), name, rec.Message)
	return err
}

// WithAttrs implements slog.Handler.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "component" {
			next.component = a.Value.String()
		}
	}
	return &next
}

// WithGroup implements slog.Handler.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.inner = h.inner.WithGroup(name)
	return &next
}
