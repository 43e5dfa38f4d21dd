package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger creates the process logger: text to stderr, plus JSON to
// logFile when it is set, plus any extra handlers (the importer's run log).
// The cleanup function closes the log file.
func SetupLogger(stderr io.Writer, logFile string, level slog.Level, extra ...slog.Handler) (*slog.Logger, func() error) {
	if logFile == "" {
		return SetupLoggerWithWriters(stderr, nil, level, extra...), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// Fall back to stderr only.
		logger := SetupLoggerWithWriters(stderr, nil, level, extra...)
		logger.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return logger, func() error { return nil }
	}

	return SetupLoggerWithWriters(stderr, file, level, extra...), file.Close
}

// SetupLoggerWithWriters builds the fanout from explicit writers. A nil file
// skips the JSON handler.
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level, extra ...slog.Handler) *slog.Logger {
	handlers := []slog.Handler{slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})}
	if file != nil {
		handlers = append(handlers, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}))
	}
	handlers = append(handlers, extra...)
	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
