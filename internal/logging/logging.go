// Package logging wraps logrus the way the reference daemon's safe logger
// does: a single mutex-guarded entry point so concurrent tasks (balancer
// tick, per-connection handlers, event dispatch) can log without tripping
// over each other's field maps.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx is a set of structured fields attached to a log entry.
type Ctx map[string]any

// Logger is a thread-safe wrapper around a logrus.Logger.
type Logger struct {
	mu  sync.Mutex
	log *logrus.Logger
}

// New creates a Logger writing to w (os.Stderr if nil) at the given level.
func New(w io.Writer, debug bool) *Logger {
	if w == nil {
		w = os.Stderr
	}

	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	return &Logger{log: l}
}

func (l *Logger) entry(ctx Ctx) *logrus.Entry {
	if ctx == nil {
		return logrus.NewEntry(l.log)
	}

	return l.log.WithFields(logrus.Fields(ctx))
}

// Debug logs msg at debug level with the given fields.
func (l *Logger) Debug(msg string, ctx Ctx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(ctx).Debug(msg)
}

// Info logs msg at info level with the given fields.
func (l *Logger) Info(msg string, ctx Ctx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(ctx).Info(msg)
}

// Warn logs msg at warning level with the given fields.
func (l *Logger) Warn(msg string, ctx Ctx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(ctx).Warn(msg)
}

// Error logs msg at error level with the given fields.
func (l *Logger) Error(msg string, ctx Ctx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(ctx).Error(msg)
}

// std is the package-level logger used by code that doesn't carry its
// own Logger handle (mirrors the teacher's package-level shared/logger).
var std = New(os.Stderr, false)

// SetDebug toggles debug verbosity on the default logger.
func SetDebug(debug bool) {
	if debug {
		std.log.SetLevel(logrus.DebugLevel)
	} else {
		std.log.SetLevel(logrus.InfoLevel)
	}
}

// IsDebug reports whether the default logger is at debug verbosity,
// used by the mgmt runtime to decide whether to include a traceback in
// an error response (spec §7: "debug mode sends traceback to client").
func IsDebug() bool {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.log.IsLevelEnabled(logrus.DebugLevel)
}

func Debug(msg string, ctx Ctx) { std.Debug(msg, ctx) }
func Info(msg string, ctx Ctx)  { std.Info(msg, ctx) }
func Warn(msg string, ctx Ctx)  { std.Warn(msg, ctx) }
func Error(msg string, ctx Ctx) { std.Error(msg, ctx) }
