// Package telemetry provides the structured logging and Prometheus metrics
// shared by every orchestrator component.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// InitLogger configures the process-wide default logger. Components should
// still prefer an injected *slog.Logger from NewLogger; InitLogger exists
// for the single startup logger created in cmd/orchestrator and for any
// package-level fallback logging before a component is constructed.
func InitLogger(debug bool, logFile string) {
	slog.SetDefault(slog.New(buildHandler(debug, logFile)))
}

// NewLogger builds a standalone *slog.Logger with the same handler stack as
// InitLogger, for injection into component constructors.
func NewLogger(debug bool, logFile string) *slog.Logger {
	return slog.New(buildHandler(debug, logFile))
}

func buildHandler(debug bool, logFile string) slog.Handler {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if logFile != "" {
		if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		} else {
			slog.Error("failed to open log file", "path", logFile, "error", err)
		}
	}

	if len(handlers) == 1 {
		return handlers[0]
	}
	return &multiHandler{handlers: handlers}
}

// multiHandler fans a record out to every inner handler, so logs land in
// both stdout (for the process supervisor) and a file (for post-mortem).
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

// LogError logs an error message against the default logger, for the few
// call sites (top-level signal handlers, init failures) that run before a
// component-scoped logger exists.
func LogError(msg string, err error, args ...any) {
	slog.Error(msg, append(args, "error", err)...)
}

// LogInfof is a formatted convenience wrapper around the default logger.
func LogInfof(format string, args ...any) {
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		slog.Info(fmt.Sprintf(format, args...))
	}
}
