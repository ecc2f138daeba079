// Package logging builds the slog loggers used by the bridge binaries.
package logging

import (
	"context"
	"io"
	"log/slog"
)

// LevelTrace sits below Debug and is used for per-frame SSE output.
const LevelTrace slog.Level = slog.LevelDebug - 4

// New returns a text logger writing to w. Verbose lowers the threshold to
// Debug; trace lowers it further to LevelTrace.
func New(w io.Writer, verbose, trace bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if trace {
		level = LevelTrace
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// nopHandler is a slog.Handler that discards all output.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

// Nop returns a logger that drops everything.
func Nop() *slog.Logger {
	return slog.New(nopHandler{})
}
