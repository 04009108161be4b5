package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// SlogHandler is a slog.Handler that bridges logs to both the console
// (via TextHandler) and the MQTT telemetry queue.
type SlogHandler struct {
	textHandler slog.Handler
	level       slog.Leveler
	attrs       []slog.Attr
	group       string
}

// NewSlogHandler creates a handler that writes to w and also queues INFO
// and above for the next telemetry flush.
func NewSlogHandler(w io.Writer, opts *slog.HandlerOptions) *SlogHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &SlogHandler{
		textHandler: slog.NewTextHandler(w, opts),
		level:       opts.Level,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.textHandler.Enabled(ctx, level)
}

// Handle writes the record to the console and queues it for telemetry.
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.textHandler.Handle(ctx, r)

	// Only queue INFO and above (DEBUG would flood the broker).
	if r.Level >= slog.LevelInfo {
		Log(slogLevelToSeverity(r.Level), buildEventBody(h.group, r))
	}

	return err
}

// WithAttrs returns a new Handler with the given attributes added.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)

	return &SlogHandler{
		textHandler: h.textHandler.WithAttrs(attrs),
		level:       h.level,
		attrs:       newAttrs,
		group:       h.group,
	}
}

// WithGroup returns a new Handler with the given group name.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}

	return &SlogHandler{
		textHandler: h.textHandler.WithGroup(name),
		level:       h.level,
		attrs:       h.attrs,
		group:       newGroup,
	}
}

func slogLevelToSeverity(level slog.Level) uint8 {
	switch {
	case level >= slog.LevelError:
		return SeverityError
	case level >= slog.LevelWarn:
		return SeverityWarn
	case level >= slog.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// buildEventBody renders a compact "msg key=val key2=val2" line with at
// most four attributes.
func buildEventBody(group string, r slog.Record) string {
	var b strings.Builder
	if group != "" {
		b.WriteString(group)
		b.WriteByte(':')
	}
	b.WriteString(r.Message)

	attrCount := 0
	r.Attrs(func(a slog.Attr) bool {
		if attrCount >= 4 {
			return false
		}
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
		attrCount++
		return true
	})

	return b.String()
}
