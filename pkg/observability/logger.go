// Package observability wires the process-wide structured logger. JSON output
// is the default; LOG_LEVEL and LOG_FORMAT tune it without a config file so
// the logger works before configuration is loaded.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var defaultLogger *slog.Logger

func init() {
	defaultLogger = slog.New(newHandler(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))
	slog.SetDefault(defaultLogger)
}

// newHandler builds the slog handler for the given LOG_LEVEL / LOG_FORMAT
// values. LOG_FORMAT=text selects human-readable output for local runs;
// anything else stays JSON.
func newHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel maps a LOG_LEVEL value to a slog level. Unknown or empty values
// fall back to info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger returns the default logger
func Logger() *slog.Logger {
	return defaultLogger
}

// Info logs at Info level
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Error logs at Error level
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

// Fatal logs at Error level and exits
func Fatal(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
	os.Exit(1)
}
