package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger installs the default slog logger: human-readable text on stderr
// and, when logFile is set, JSON lines appended to that file. The returned
// closer releases the file.
func SetupLogger(logFile string, level slog.Level) (func() error, error) {
	if logFile == "" {
		SetupLoggerWithWriters(os.Stderr, nil, level)
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	SetupLoggerWithWriters(os.Stderr, f, level)
	return f.Close, nil
}

// SetupLoggerWithWriters is SetupLogger with explicit sinks; jsonOut may be nil.
func SetupLoggerWithWriters(textOut, jsonOut io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	handlers := []slog.Handler{slog.NewTextHandler(textOut, opts)}
	if jsonOut != nil {
		handlers = append(handlers, slog.NewJSONHandler(jsonOut, opts))
	}
	logger := slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
	return logger
}
