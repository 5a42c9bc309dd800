/*
Package logging configures structured logging with file rotation.

Logs are written to stderr in text form and, when a log directory is set,
to a rotated JSON file (wvid.log) managed by lumberjack.
*/
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file written inside Config.LogDir.
const FileName = "wvid.log"

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// Verbose enables DEBUG-level logging. Default is INFO.
	Verbose bool
	// Console receives the text log stream. Nil means os.Stderr.
	Console io.Writer
	// Feed, if set, receives every record as well (the in-memory log feed).
	// It applies its own level.
	Feed slog.Handler
}

// Setup creates a logger that writes to the console and optionally to a
// rotated log file. Returns the logger and a cleanup function to close the file.
func Setup(cfg Config) (logger *slog.Logger, cleanup func()) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{
		Level: level,
	})

	handlers := fanout{consoleHandler}
	if cfg.Feed != nil {
		handlers = append(handlers, cfg.Feed)
	}

	if cfg.LogDir == "" {
		return handlers.logger(), func() {}
	}

	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil { //nolint:gosec // log directory
		// Fall back to console-only if the directory can't be created.
		handlers.logger().Warn("failed to create log directory, file logging disabled",
			"dir", cfg.LogDir,
			"error", err,
		)
		return handlers.logger(), func() {}
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, FileName),
		MaxSize:    10, // MB per file
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   true,
	}

	handlers = append(handlers, slog.NewJSONHandler(lj, &slog.HandlerOptions{
		Level: level,
	}))

	return handlers.logger(), func() {
		_ = lj.Close()
	}
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) logger() *slog.Logger {
	if len(f) == 1 {
		return slog.New(f[0])
	}
	return slog.New(f)
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
