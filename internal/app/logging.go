package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// busLogHandler tees log records to the signal bus "logs" channel so the
// WebSocket hub can stream them to dashboards. Publishing is best-effort
// with a short deadline; logging must never stall the trading loop.
type busLogHandler struct {
	inner slog.Handler
	bus   domain.SignalBus
}

// NewBusLogHandler wraps inner with bus streaming.
func NewBusLogHandler(inner slog.Handler, bus domain.SignalBus) slog.Handler {
	return &busLogHandler{inner: inner, bus: bus}
}

func (h *busLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *busLogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.inner.Handle(ctx, r)

	entry := map[string]any{
		"time":  r.Time.Format(time.RFC3339),
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.String()
		return true
	})
	if payload, merr := json.Marshal(entry); merr == nil {
		pubCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_ = h.bus.Publish(pubCtx, "logs", payload)
		cancel()
	}
	return err
}

func (h *busLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &busLogHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus}
}

func (h *busLogHandler) WithGroup(name string) slog.Handler {
	return &busLogHandler{inner: h.inner.WithGroup(name), bus: h.bus}
}
