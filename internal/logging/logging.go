// Package logging provides the structured log sink the core consumes.
// The core never constructs a logger itself; callers hand it a Sink.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Sink is the minimal structured-logging surface the core depends on.
// A caller embedding this module supplies one; the core is agnostic to
// how (or whether) it is ultimately rendered.
type Sink interface {
	WithField(key string, value interface{}) Sink
	WithFields(fields map[string]interface{}) Sink
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type logrusSink struct {
	entry *logrus.Entry
}

// New builds a Sink backed by logrus, writing to w at the given level
// name ("debug", "info", "warn", "error"). An unrecognised level falls
// back to info.
func New(w io.Writer, level string) Sink {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return &logrusSink{entry: logrus.NewEntry(logger)}
}

// Discard returns a Sink that drops everything, for tests and library
// callers who don't want output.
func Discard() Sink {
	return New(io.Discard, "error")
}

// Default returns a Sink writing to stderr at info level.
func Default() Sink {
	return New(os.Stderr, "info")
}

func (s *logrusSink) WithField(key string, value interface{}) Sink {
	return &logrusSink{entry: s.entry.WithField(key, value)}
}

func (s *logrusSink) WithFields(fields map[string]interface{}) Sink {
	return &logrusSink{entry: s.entry.WithFields(logrus.Fields(fields))}
}

func (s *logrusSink) Debugf(format string, args ...interface{}) { s.entry.Debugf(format, args...) }
func (s *logrusSink) Infof(format string, args ...interface{})  { s.entry.Infof(format, args...) }
func (s *logrusSink) Warnf(format string, args ...interface{})  { s.entry.Warnf(format, args...) }
func (s *logrusSink) Errorf(format string, args ...interface{}) { s.entry.Errorf(format, args...) }
