package dbus

import (
	"io"

	"github.com/sirupsen/logrus"
)

// logger is the package logger. It is quiet by default; SetLogger swaps
// in an application-configured one.
var logger = newQuietLogger()

func newQuietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// SetLogger routes the library's diagnostics through l.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}
