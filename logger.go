package yggdrasil

import (
	"log/slog"
	"os"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging installs a TextHandler-backed default logger at the given level.
// Components never read environment variables or config files themselves; callers
// decide the level and call this once at process startup if they want the core's
// default logging shape instead of slog's own default.
func ConfigureLogging(level slog.Level) {
	logLevel.Set(level)
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel adjusts the level for a logger previously installed by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
