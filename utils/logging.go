package utils

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger from CHIMERA_LOG_LEVEL and
// CHIMERA_LOG_FILE. The logger is created once in main and threaded
// down through the components that need it.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	if LogFile != "" {
		f, err := os.OpenFile(LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			slog.New(slog.NewTextHandler(os.Stderr, nil)).
				Warn("cannot open log file, using stderr", "path", LogFile, "error", err)
		} else {
			out = f
		}
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}
