// Package log provides the global zerolog logger.
package log

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	l := zerolog.New(os.Stdout).With().Timestamp().Logger()
	log.Logger = l
	zerolog.DefaultContextLogger = &l
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Logger returns the global logger.
func Logger() *zerolog.Logger {
	return &log.Logger
}

// SetOutput redirects the global logger, mostly for tests.
func SetOutput(w io.Writer) {
	l := zerolog.New(w).With().Timestamp().Logger()
	log.Logger = l
	zerolog.DefaultContextLogger = &l
}

// SetLevel sets the minimum level from a name such as "debug" or "warn".
// Unknown names fall back to info.
func SetLevel(name string) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// Ctx returns the logger attached to ctx, or the global one.
func Ctx(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithContext attaches l to ctx.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// Debug starts a debug message on the global logger.
func Debug() *zerolog.Event { return log.Logger.Debug() }

// Info starts an info message on the global logger.
func Info() *zerolog.Event { return log.Logger.Info() }

// Warn starts a warning on the global logger.
func Warn() *zerolog.Event { return log.Logger.Warn() }

// Error starts an error message on the global logger.
func Error() *zerolog.Event { return log.Logger.Error() }

// Fatal starts a fatal message; the process exits after it is sent.
func Fatal() *zerolog.Event { return log.Logger.Fatal() }
