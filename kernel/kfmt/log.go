// Package kfmt provides the logging facilities shared by the memory manager
// modules.
package kfmt

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	// earlyLogBuffer captures log output emitted before a sink is attached
	// with SetOutputSink.
	earlyLogBuffer ringBuffer

	sinkMu     sync.Mutex
	outputSink io.Writer

	// Logger is the logger used by all modules. Until SetOutputSink is
	// invoked, its output is captured by a ring buffer.
	Logger = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = &earlyLogBuffer
	l.Formatter = &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
		QuoteEmptyFields: true,
	}
	l.Level = logrus.InfoLevel
	return l
}

// Module returns a log entry tagged with the supplied module name.
func Module(name string) *logrus.Entry {
	return Logger.WithField(ModuleField, name)
}

// SetLevel parses a logrus level name and applies it to Logger.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	Logger.SetLevel(lvl)
	return nil
}

// GetOutputSink returns the output sink attached with SetOutputSink or nil if
// log output is still captured by the early buffer.
func GetOutputSink() io.Writer {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	return outputSink
}

// SetOutputSink directs log output to w. Any output captured by the early
// ring buffer is flushed to w. Passing a nil writer switches logging back to
// the ring buffer.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w == nil {
		Logger.SetOutput(&earlyLogBuffer)
		return
	}

	Logger.SetOutput(w)
	io.Copy(w, &earlyLogBuffer)
}
