// Package logger installs a slog handler that writes compact
// single-line logs of the form "[15:04:05] [LEVEL] message k=v".
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var level slog.LevelVar

// SetLevel changes the minimum level for all subsequent log records.
// Unrecognized strings fall back to debug.
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// textHandler fans records out to every configured writer.
type textHandler struct {
	mu   sync.Mutex
	outs []io.Writer
}

func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < level.Level() {
		return nil
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteString("] ")
	b.WriteString(record.Message)
	record.Attrs(func(a slog.Attr) bool {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.String())
		return true
	})
	b.WriteString("\n")

	line := []byte(b.String())
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

func (h *textHandler) WithGroup(name string) slog.Handler { return h }

func (h *textHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

// InitLogger makes the text handler the process-wide slog default.
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(&textHandler{outs: outputs}))
}
