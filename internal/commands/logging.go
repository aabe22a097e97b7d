package commands

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// newLogger logs text to a terminal and JSON lines otherwise.
func newLogger(w io.Writer, level string, tty bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if tty {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
