// Package logging provides the relay's zerolog-backed structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog to provide subsystem- and call-scoped child loggers.
type Logger struct {
	zl zerolog.Logger
}

// New creates a root logger writing to the given writer at the specified level.
// If w is nil, defaults to pretty console output on stderr.
func New(w io.Writer, level string) *Logger {
	if w == nil {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	zl = zl.Level(parseLevel(level))
	return &Logger{zl: zl}
}

// NewStyled creates a root logger on stderr using the configured console style.
// "json" emits raw JSON lines, "compact" drops colors, anything else is pretty.
func NewStyled(style, level string) *Logger {
	switch style {
	case "json":
		return New(os.Stderr, level)
	case "compact":
		return New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true, TimeFormat: time.TimeOnly}, level)
	default:
		return New(nil, level)
	}
}

// Sub returns a child logger tagged with a subsystem name.
func (l *Logger) Sub(subsystem string) *Logger {
	return &Logger{zl: l.zl.With().Str("subsystem", subsystem).Logger()}
}

// With returns a child logger carrying an extra string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// ForCall returns a child logger tagged with the call identifier.
func (l *Logger) ForCall(callID string) *Logger {
	return l.With("callId", callID)
}

// Trace logs at trace level.
func (l *Logger) Trace() *zerolog.Event { return l.zl.Trace() }

// Debug logs at debug level.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

// Info logs at info level.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn logs at warn level.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Error logs at error level.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }

// Zerolog returns the underlying zerolog.Logger for advanced use.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

// Leveled adapts the logger to the key/value LeveledLogger interface used by
// go-retryablehttp.
func (l *Logger) Leveled() *LeveledAdapter {
	return &LeveledAdapter{log: l}
}

// LeveledAdapter forwards msg + keysAndValues pairs to zerolog fields.
type LeveledAdapter struct {
	log *Logger
}

func (a *LeveledAdapter) Error(msg string, keysAndValues ...interface{}) {
	withPairs(a.log.Error(), keysAndValues).Msg(msg)
}

func (a *LeveledAdapter) Info(msg string, keysAndValues ...interface{}) {
	withPairs(a.log.Debug(), keysAndValues).Msg(msg)
}

func (a *LeveledAdapter) Debug(msg string, keysAndValues ...interface{}) {
	withPairs(a.log.Trace(), keysAndValues).Msg(msg)
}

func (a *LeveledAdapter) Warn(msg string, keysAndValues ...interface{}) {
	withPairs(a.log.Warn(), keysAndValues).Msg(msg)
}

func withPairs(ev *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		ev = ev.Interface(key, kv[i+1])
	}
	return ev
}

// parseLevel accepts zerolog's level names plus "silent". Anything else
// logs at info.
func parseLevel(s string) zerolog.Level {
	s = strings.ToLower(s)
	if s == "silent" {
		return zerolog.Disabled
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
