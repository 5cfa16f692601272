// Package applog centralises structured logging the way rclone's fs package
// wraps a single package-level logger, except here the backend is logrus
// instead of a hand-rolled level filter.
package applog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the global log level, e.g. from a -v flag or LOG_LEVEL env var.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		std.Warnf("unknown log level %q, keeping %s", level, std.GetLevel())
		return
	}
	std.SetLevel(lvl)
}

// Fields is a type alias so callers don't need to import logrus directly.
type Fields = logrus.Fields

// WithFields returns an entry annotated with request-scoped fields, such as
// session id, file id or user id.
func WithFields(fields Fields) *logrus.Entry {
	return std.WithFields(fields)
}

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }

// Infof logs at info level.
func Infof(format string, args ...interface{}) { std.Infof(format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...interface{}) { std.Warnf(format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }
