// Package test holds helpers shared by the tests of every package.
package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that discards everything unless TEST_LOGS is set.
// TEST_LOGS=2 enables debug and TEST_LOGS=3 trace messages.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		l.SetLevel(logrus.DebugLevel)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewLoggerWithHook returns a [NewLogger] that also records every entry in the
// returned hook.
func NewLoggerWithHook() (*logrus.Logger, *logtest.Hook) {
	l := NewLogger()
	return l, logtest.NewLocal(l)
}
