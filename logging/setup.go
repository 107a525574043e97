package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how the process-wide logger is assembled. It mirrors
// the logging section of the configuration surface: a verbosity ceiling,
// an optional per-package override string, and an optional log file with
// rotation.
type Options struct {
	Level   slog.Level
	Vmodule string

	// File, when non-empty, additionally writes JSON-formatted records to
	// a rotated file; terminal output is always kept.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup builds the default logger from opts and installs it via
// log.SetDefault, returning the GlogHandler so callers can adjust
// verbosity at runtime (e.g. from a SIGUSR1 handler or an admin endpoint).
func Setup(opts Options) (*GlogHandler, error) {
	var base slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		base = log.NewTerminalHandlerWithLevel(colorable.NewColorableStderr(), opts.Level, true)
	} else {
		base = log.NewTerminalHandlerWithLevel(os.Stderr, opts.Level, false)
	}

	handler := NewGlogHandler(base)
	handler.Verbosity(opts.Level)
	if opts.Vmodule != "" {
		if err := handler.Vmodule(opts.Vmodule); err != nil {
			return nil, err
		}
	}

	if opts.File != "" {
		fileHandler := log.JSONHandler(fileWriter(opts))
		handler.handler = multiHandler{handler.handler, fileHandler}
	}

	log.SetDefault(log.NewLogger(handler))
	return handler, nil
}

func fileWriter(opts Options) io.Writer {
	return &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 100),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 14),
		Compress:   true,
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// multiHandler fans a record out to every wrapped handler, used to send
// the same log record to both the terminal and the rotating file.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
