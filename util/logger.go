// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// levelTags are the bracketed markers written before each message.
var levelTags = map[LogLevel]string{ //nolint:gochecknoglobals
	LogQuiet:   "ERR",
	LogNormal:  "INF",
	LogVerbose: "VRB",
	LogDebug:   "DBG",
}

// Logger writes levelled lines such as "[INF] tls: handshake done".
// A nil *Logger is silent, so components may hold one unconditionally.
// Loggers derived with [Logger.With] share the parent's output and lock.
type Logger struct {
	level      LogLevel
	out        io.Writer
	mu         *sync.Mutex
	timestamps bool
	prefix     string
}

// NewLogger returns a Logger for the CLI's -v count: 0 prints only
// errors, 1 adds progress, 2 adds protocol steps and 3 adds wire detail
// with timestamps.
func NewLogger(verbosity int) *Logger {
	return &Logger{
		level:      LogLevel(verbosity),
		out:        os.Stderr,
		mu:         new(sync.Mutex),
		timestamps: verbosity >= int(LogDebug),
	}
}

// Discard returns a Logger that drops everything, errors included.
func Discard() *Logger {
	l := NewLogger(int(LogQuiet))
	l.out = io.Discard
	return l
}

// With returns a child logger whose lines carry prefix after the tag,
// for example "transport" or "attempt=01HZ...".
func (l *Logger) With(prefix string) *Logger {
	if l == nil {
		return nil
	}
	child := *l
	if l.prefix != "" {
		prefix = l.prefix + " " + prefix
	}
	child.prefix = prefix
	return &child
}

// SetTimestamps toggles the wall-clock prefix.
func (l *Logger) SetTimestamps(on bool) { l.timestamps = on }

// SetOutput redirects the logger; tests use it to capture lines.
func (l *Logger) SetOutput(w io.Writer) { l.out = w }

// Level reports the configured verbosity.
func (l *Logger) Level() LogLevel {
	if l == nil {
		return LogQuiet
	}
	return l.level
}

func (l *Logger) Info(format string, args ...interface{}) { l.logf(LogNormal, "", format, args) }

// Warn shares Info's level but is tagged [WRN].
func (l *Logger) Warn(format string, args ...interface{}) { l.logf(LogNormal, "WRN", format, args) }

func (l *Logger) Verbose(format string, args ...interface{}) { l.logf(LogVerbose, "", format, args) }

func (l *Logger) Debug(format string, args ...interface{}) { l.logf(LogDebug, "", format, args) }

// Error prints at every verbosity.
func (l *Logger) Error(format string, args ...interface{}) { l.logf(LogQuiet, "", format, args) }

func (l *Logger) logf(lv LogLevel, tag, format string, args []interface{}) {
	if l == nil || l.level < lv {
		return
	}
	if tag == "" {
		tag = levelTags[lv]
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		msg = l.prefix + " " + msg
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timestamps {
		fmt.Fprintf(l.out, "%s [%s] %s\n", time.Now().Format("15:04:05.000"), tag, msg)
		return
	}
	fmt.Fprintf(l.out, "[%s] %s\n", tag, msg)
}
