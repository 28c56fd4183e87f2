// Package logger builds the process-wide zerolog root logger from config.
// Every component derives its own child via With().Str("component", ...).
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ocelloids/ocnwatch/internal/config"
)

// sampleEvery thins repetitive log lines when sampling is enabled; matching
// activity logs one line per notification, which adds up fast on busy
// chains.
const sampleEvery = 5

// Init builds the root logger. The console format renders human-readable
// lines with RFC3339 timestamps; json emits raw zerolog. Durations are
// reported in milliseconds to line up with the millisecond-based config
// options.
func Init(cfg config.Config) zerolog.Logger {
	zerolog.DurationFieldUnit = time.Millisecond

	logger := zerolog.New(writerFor(cfg.LogFormat)).
		Level(levelFor(cfg.LogLevel)).
		With().
		Timestamp().
		Str("service", "ocnwatch").
		Logger()

	if cfg.LogSampler {
		logger = logger.Sample(&zerolog.BasicSampler{N: sampleEvery})
	}
	return logger
}

func writerFor(format string) io.Writer {
	if format == "json" {
		return os.Stdout
	}
	return zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
}

// levelFor clamps the configured numeric level onto zerolog's range, so an
// out-of-range value degrades to the nearest level instead of disabling
// logging outright.
func levelFor(level int) zerolog.Level {
	switch {
	case level < int(zerolog.DebugLevel):
		return zerolog.DebugLevel
	case level > int(zerolog.PanicLevel):
		return zerolog.PanicLevel
	default:
		return zerolog.Level(level)
	}
}
