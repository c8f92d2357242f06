package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger creates the structured logger described by cfg and makes it the slog default.
// The returned closer releases the log file when output is "file".
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
		tty              = true
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "stdout":
		w = os.Stdout
	case "file":
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
			Compress:   cfg.Compress,
		}
		w, closer, tty = lj, lj, false
	}

	log := slog.New(newHandler(w, cfg, tty))
	slog.SetDefault(log)
	return log, closer
}

func newHandler(w io.Writer, cfg LogConfig, tty bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(cfg.Level),
		AddSource: true,
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return newPrettyHandler(w, opts, cfg.Color && tty)
}

func parseLogLevel(level string) slog.Level {
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
