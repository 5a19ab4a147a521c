// Package logger provides the process-wide structured logger.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Log is the process-wide logger. Init must be called before use;
// until then it defaults to slog's default logger so early startup
// code can still log safely.
var Log = slog.Default()

// Init configures the global logger to write to stdout and, if logFile
// is non-empty, additionally append to that file.
func Init(level string, logFile string) error {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	writers := []io.Writer{os.Stdout}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)
	return nil
}

// Session returns a logger scoped to a single session, so every line it
// emits carries the session ID without the caller repeating it.
func Session(sessionID string) *slog.Logger {
	return Log.With("session", sessionID)
}
