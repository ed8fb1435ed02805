// Package logging configures structured slog logging for specmem.
//
// Logs are JSON-encoded to a size-rotated file under the project data
// directory, optionally teed to stderr. MCP servers speak JSON-RPC on stdout,
// so nothing in this package ever writes to stdout.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the log file path. Empty disables file logging.
	FilePath string
	// MaxSizeMB is the maximum file size before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the number of rotated files to keep (default: 5).
	MaxFiles int
	// WriteToStderr also tees log output to stderr.
	WriteToStderr bool
}

// DefaultConfig returns file logging defaults for the given project data dir.
func DefaultConfig(dataDir string) Config {
	return Config{
		Level:         "info",
		FilePath:      filepath.Join(dataDir, "logs", "specmem.log"),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// Setup initializes logging and returns the logger plus a cleanup function
// that flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var output io.Writer = os.Stderr
	cleanup := func() {}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, err
		}
		writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		if cfg.WriteToStderr {
			output = io.MultiWriter(writer, os.Stderr)
		} else {
			output = writer
		}
		cleanup = func() {
			_ = writer.Sync()
			_ = writer.Close()
		}
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})

	return slog.New(handler), cleanup, nil
}

// SetupDefault configures the process-wide default logger.
func SetupDefault(cfg Config) (func(), error) {
	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
