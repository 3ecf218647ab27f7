package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the process logger: JSON on stdout with source
// locations and UTC timestamps.
func NewLogger(level string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level)
}

func NewLoggerTo(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       levelFromString(level),
		AddSource:   true,
		ReplaceAttr: utcTime,
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With("service", "ride-dispatch")
}

func utcTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.TimeValue(a.Value.Time().UTC())
	}
	return a
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
