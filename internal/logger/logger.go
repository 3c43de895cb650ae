// Package logger builds the gateway's zerolog loggers, persists log records
// into the system log table, and records bridge transcripts.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/multisession-gateway/backend/internal/config"
	"github.com/rs/zerolog"
)

// New builds the root logger. Output goes to out (stderr when nil) in the
// configured format; every extra sink receives the raw JSON records.
func New(cfg config.LogConfig, out io.Writer, sinks ...io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var primary io.Writer = out
	if cfg.Format != "json" {
		primary = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	writers := append([]io.Writer{primary}, sinks...)
	var w io.Writer = primary
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(ComponentField, name).Logger()
}

// ForSession returns a child logger tagged with a session id.
func ForSession(l zerolog.Logger, sessionID string) zerolog.Logger {
	return l.With().Str(SessionIDField, sessionID).Logger()
}

// SessionIDField is the field name under which session ids are logged.
const SessionIDField = "session_id"
