package app

import (
	"io"
	"log/slog"
)

// NewLogger returns a slog.Logger writing to w.
// prod: JSON at INFO, anything else: text at DEBUG
func NewLogger(env string, w io.Writer) *slog.Logger {
	if env == "prod" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// DiscardLogger drops everything (tests)
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
