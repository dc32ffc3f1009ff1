// Package logging builds the slog loggers the binaries share: a plain
// console logger for startup, and the configured per-service logger with
// text or json output to console, file, or both.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/velorace/backend/internal/config"
)

const (
	formatText = "text"
	formatJSON = "json"

	outputConsole = "console"
	outputFile    = "file"
	outputBoth    = "both"
)

// Bootstrap is the logger mains use before configuration has loaded.
func Bootstrap() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// New builds the logger described by cfg, tagged with the service name.
// The close function releases any file output; callers defer it.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}

	writer, closeWriter, err := openWriter(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == formatJSON {
		handler = slog.NewJSONHandler(writer, options)
	} else {
		handler = slog.NewTextHandler(writer, options)
	}

	return slog.New(handler).With("service", serviceName), closeWriter, nil
}

func openWriter(serviceName string, cfg config.LogConfig) (io.Writer, func() error, error) {
	noClose := func() error { return nil }

	switch normalize(cfg.Output, outputConsole) {
	case outputConsole:
		return os.Stdout, noClose, nil
	case outputFile:
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return file, file.Close, nil
	case outputBoth:
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return io.MultiWriter(os.Stdout, file), file.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown log output %q, want %s|%s|%s", cfg.Output, outputConsole, outputFile, outputBoth)
	}
}

func openLogFile(serviceName string, configuredPath string) (*os.File, error) {
	logPath := strings.TrimSpace(configuredPath)
	if logPath == "" {
		logPath = filepath.Join("logs", serviceName+".log")
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", logPath, err)
	}
	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", logPath, err)
	}
	return file, nil
}

func parseFormat(raw string) (string, error) {
	switch format := normalize(raw, formatText); format {
	case formatText, formatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("unknown log format %q, want %s|%s", raw, formatText, formatJSON)
	}
}

func parseLevel(raw string) (slog.Level, error) {
	switch normalize(raw, "info") {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q, want debug|info|warn|error", raw)
	}
}

func normalize(raw, fallback string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" {
		return fallback
	}
	return value
}
