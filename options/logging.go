//go:build linux

package options

import (
	"fmt"
	"log/slog"

	"github.com/HQarroum/sydbox/logger"
	"github.com/inhies/go-bytesize"
)

/**
 * Parse the log level from a string.
 * @param s the string to parse
 * @return the parsed log level and error if any
 */
func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelError, fmt.Errorf("unknown log level: %q", s)
	}
}

/**
 * Parse the log format from a string.
 * @param s the string to parse
 * @return the parsed log format and error if any
 */
func parseLogFormat(s string) (logger.LogFormat, error) {
	switch s {
	case "text":
		return logger.LogText, nil
	case "json":
		return logger.LogJSON, nil
	default:
		return logger.LogText, fmt.Errorf("unknown log format: %q", s)
	}
}

/**
 * Parse the rotation size of the log file.
 * @param s a size such as 10MB
 * @return the size in bytes and error if any
 */
func parseLogMaxSize(s string) (int64, error) {
	size, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("bad --log-max-size %q: %v", s, err)
	}
	if size < bytesize.MB {
		return 0, fmt.Errorf("bad --log-max-size %q: must be at least 1MB", s)
	}
	return int64(size), nil
}
