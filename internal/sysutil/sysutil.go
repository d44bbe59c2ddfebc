// Package sysutil holds process-level helpers shared by the command, the HTTP
// layer and the batch services: logger setup, context-scoped loggers for runs
// and requests, and small environment helpers.
package sysutil

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ParseLevel maps a level name (case-insensitive, "warning" accepted) to a
// zerolog level. Empty and unknown names are info.
func ParseLevel(lvl string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetupLogging sets the global level and, when pretty is set, replaces the
// global logger with a console writer on w.
func SetupLogging(level string, pretty bool, w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
}

// Ctx returns the logger attached to ctx by WithRun or the HTTP logging
// middleware, or the global logger.
func Ctx(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// WithRun returns a context whose logger tags every entry with the batch run
// kind (import, notify, documents) and id.
func WithRun(ctx context.Context, kind, id string) context.Context {
	l := Ctx(ctx).With().Str("run", kind).Str("run_id", id).Logger()
	return l.WithContext(ctx)
}

// IsTruthy reports whether an environment value means true: "1", "true",
// "yes", "y" or "on", case-insensitive.
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// FirstNonEmpty returns the first value that is not blank, unchanged.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
