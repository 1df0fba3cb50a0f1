package shigoto

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// parseLevel maps a configured level name to a slog level.
func parseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return 0, false
}

// newLoggerFromLevel creates a slog.Logger at the given level.
// Falls back to slog.Default() if level is empty or unrecognized.
func newLoggerFromLevel(level string) *slog.Logger {
	if level == "" {
		return slog.Default()
	}
	lvl, ok := parseLevel(level)
	if !ok {
		return slog.Default()
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// NewLogger creates a text logger writing to w at level (info when empty or
// unrecognized).
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl, ok := parseLevel(level)
	if !ok {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}
