package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// Options selects the level and an optional JSON log file mirrored from stdout.
type Options struct {
	Level string
	File  string
}

// New returns a minimal structured logger with secret redaction.
func New() *slog.Logger {
	return NewWithLevel("info")
}

// NewWithLevel returns a redacting stdout logger at the named level.
func NewWithLevel(level string) *slog.Logger {
	return slog.New(textHandler(os.Stdout, ParseLevel(level)))
}

// Open builds a logger from opts. The returned closer releases the log file, if any.
func Open(opts Options) (*slog.Logger, io.Closer, error) {
	lvl := ParseLevel(opts.Level)
	stdout := textHandler(os.Stdout, lvl)
	if opts.File == "" {
		return slog.New(stdout), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	file := slog.NewJSONHandler(f, handlerOptions(lvl))
	return slog.New(slogmulti.Fanout(stdout, file)), f, nil
}

// ParseLevel maps debug/info/warn/warning/error; anything else is info.
func ParseLevel(level string) slog.Level {
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

func textHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return slog.NewTextHandler(w, handlerOptions(lvl))
}

func handlerOptions(lvl slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: redact,
	}
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if isSecretKey(a.Key) {
		a.Value = slog.StringValue("[redacted]")
	}
	return a
}

func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "token") || strings.Contains(k, "secret") || strings.Contains(k, "key") || strings.Contains(k, "pass")
}
