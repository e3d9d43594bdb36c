package cdpilot

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is a per-engine logging handle. Every component receives it from its
// parent rather than reaching for a process-wide logger, so multiple engines
// in one process keep their output separated by instance id.
type Logger struct {
	log        *logrus.Logger
	instanceID string
}

// NewLogger creates a logger writing to out at the given level, tagged with
// the engine instance id.
func NewLogger(out io.Writer, level logrus.Level, instanceID string) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	return &Logger{log: l, instanceID: instanceID}
}

// NewNullLogger creates a logger that discards everything. Used as the
// default when no logger is configured, and throughout the tests.
func NewNullLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{log: l}
}

func (l *Logger) entry(component string) *logrus.Entry {
	e := l.log.WithField("component", component)
	if l.instanceID != "" {
		e = e.WithField("engine", l.instanceID)
	}
	return e
}

// Debugf logs a debug line for component. Swallowed internal races log here.
func (l *Logger) Debugf(component, format string, args ...interface{}) {
	l.entry(component).Debugf(format, args...)
}

// Warnf logs a warning line for component.
func (l *Logger) Warnf(component, format string, args ...interface{}) {
	l.entry(component).Warnf(format, args...)
}

// Errorf logs an error line for component.
func (l *Logger) Errorf(component, format string, args ...interface{}) {
	l.entry(component).Errorf(format, args...)
}

// DebugMode reports whether debug lines are being emitted, so callers can
// skip building expensive log arguments.
func (l *Logger) DebugMode() bool {
	return l.log.IsLevelEnabled(logrus.DebugLevel)
}
