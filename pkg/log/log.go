// Package log configures the process-wide slog logger shared by the opline
// binaries and hands out per-module child loggers.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the default text logger at the given level. Unknown level
// names fall back to info.
func Setup(logLevel string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// WithModule returns a child logger tagged with the module name, the
// convention every manager and daemon in this repo logs under.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
