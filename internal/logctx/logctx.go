// Package logctx carries a zerolog logger through context.Context.
//
// The command layer attaches the configured logger once; the pipeline adds
// per-dataset fields as it goes:
//
//	ctx = logctx.WithLogger(ctx, logger)
//	ctx = logctx.WithStr(ctx, "dataset", "co2")
//	log := logctx.FromContext(ctx)
//	log.Info().Msg("downloading")
package logctx

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

var (
	defaultLogger     zerolog.Logger
	defaultLoggerOnce sync.Once
)

func initDefaultLogger() {
	defaultLoggerOnce.Do(func() {
		defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
}

// DefaultLogger returns the JSON-to-stderr logger used when a context carries
// no logger of its own.
func DefaultLogger() zerolog.Logger {
	initDefaultLogger()
	return defaultLogger
}

// WithLogger returns a child of ctx carrying logger.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or the default logger.
// It never returns a zero-value logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// WithStr returns a child of ctx whose logger has the string field key=value.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithInt returns a child of ctx whose logger has the int field key=value.
func WithInt(ctx context.Context, key string, value int) context.Context {
	logger := FromContext(ctx).With().Int(key, value).Logger()
	return WithLogger(ctx, logger)
}

// NewConfiguredLogger builds the process logger writing to out.
// debug lowers the level to Debug; human switches to the console writer.
func NewConfiguredLogger(out io.Writer, debug, human bool) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var output zerolog.LevelWriter
	if human {
		output = zerolog.LevelWriterAdapter{Writer: zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}}
	} else {
		output = zerolog.LevelWriterAdapter{Writer: out}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}
