package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a structured JSON logger for one component.
// Level comes from CRASH_LOG_LEVEL (default info).
func NewLogger(component string) zerolog.Logger {
	return NewLoggerTo(os.Stdout, component, ParseLogLevel(os.Getenv("CRASH_LOG_LEVEL")))
}

// NewLoggerTo creates a component logger writing to w at the given level.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLogLevel maps a config string to a zerolog level; unknown values are info.
func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
