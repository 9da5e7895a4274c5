// Package logging provides the Logger interface every engine in the
// stack depends on, with a logrus-backed default implementation.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract every layer depends on. Engines can be
// wired against either the default below or a caller-supplied
// implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})

	// ToggleDebug flips debug-level logging on or off and returns the new
	// state.
	ToggleDebug(on bool) bool
}

// NewDefault builds the default Logger, writing structured text lines to
// stderr with the node identifier as a permanent field.
func NewDefault(node string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	entry := l.WithField("node", node)
	return &entryLogger{Logger: l, entry: entry}
}

// entryLogger adapts a *logrus.Entry (which carries the permanent "node"
// field) to the Logger interface.
type entryLogger struct {
	*logrus.Logger
	entry *logrus.Entry
}

func (e *entryLogger) Debugf(format string, args ...interface{}) { e.entry.Debugf(format, args...) }
func (e *entryLogger) Infof(format string, args ...interface{})  { e.entry.Infof(format, args...) }
func (e *entryLogger) Warnf(format string, args ...interface{})  { e.entry.Warnf(format, args...) }
func (e *entryLogger) Errorf(format string, args ...interface{}) { e.entry.Errorf(format, args...) }
func (e *entryLogger) Fatalf(format string, args ...interface{}) { e.entry.Fatalf(format, args...) }

func (e *entryLogger) ToggleDebug(on bool) bool {
	if on {
		e.Logger.SetLevel(logrus.DebugLevel)
	} else {
		e.Logger.SetLevel(logrus.InfoLevel)
	}
	return on
}
