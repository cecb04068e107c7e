// Package logging configures the console logger used across the pipeline.
//
// Output is a fixed-width console format rather than JSON because the
// pipeline is operated interactively and from cron, where the run log is
// read by humans:
//
//	24.08.2026 10:15:00  [INFO]    : Ingestion started!
//	24.08.2026 10:15:02  [SUCCESS] : 184 batch ingested! table=reservations
//
// Structured attributes are appended after the message as key=value pairs.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// LevelSuccess marks operations that completed as intended. It sits between
// Info and Warn so a WARNING threshold still silences it.
const LevelSuccess = slog.LevelInfo + 2

const timestampLayout = "02.01.2006 15:04:05"

// ConsoleHandler is a slog.Handler that renders fixed-width console lines.
type ConsoleHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

// NewConsoleHandler returns a handler writing to out. Records below level
// are dropped; a nil level defaults to slog.LevelInfo.
func NewConsoleHandler(out io.Writer, level slog.Leveler) *ConsoleHandler {
	if level == nil {
		level = slog.LevelInfo
	}

	return &ConsoleHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

// New returns a logger backed by a ConsoleHandler.
func New(out io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(NewConsoleHandler(out, level))
}

// Success logs msg at LevelSuccess.
func Success(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelSuccess, msg, args...)
}

// Enabled implements slog.Handler.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *ConsoleHandler) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%-20s %-9s : %s",
		record.Time.Format(timestampLayout),
		"["+levelName(record.Level)+"]",
		record.Message,
	)

	for _, attr := range h.attrs {
		h.appendAttr(&sb, attr)
	}

	record.Attrs(func(attr slog.Attr) bool {
		h.appendAttr(&sb, attr)

		return true
	})

	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.WriteString(h.out, sb.String())

	return err
}

// WithAttrs implements slog.Handler.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)

	return &clone
}

// WithGroup implements slog.Handler.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)

	return &clone
}

func (h *ConsoleHandler) appendAttr(sb *strings.Builder, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(h.groups) > 0 {
		key = strings.Join(h.groups, ".") + "." + key
	}

	fmt.Fprintf(sb, " %s=%s", key, attr.Value.String())
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= LevelSuccess:
		return "SUCCESS"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
