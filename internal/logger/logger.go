package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/sevenDatabase/SevenFlow/config"
)

func getSLogLevel() slog.Level {
	switch strings.ToLower(config.Config.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process-wide slog logger from config.
func New() *slog.Logger {
	opts := &slog.HandlerOptions{Level: getSLogLevel()}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
