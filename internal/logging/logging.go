// Package logging builds the process logger from the logging config:
// console or JSON output, optional rotating file sink, and any extra
// sinks the caller wants teed in (the metrics log buffer, typically).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lakesync/lakesync/internal/appconfig"
)

// New constructs a logger per cfg. Extra writers receive the JSON
// stream regardless of the console/json format setting.
func New(cfg appconfig.LoggingConfig, extra ...io.Writer) zerolog.Logger {
	var out io.Writer
	switch cfg.Format {
	case "json":
		out = os.Stdout
	default:
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{out}
	if cfg.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	writers = append(writers, extra...)

	if len(writers) > 1 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
