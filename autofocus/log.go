package autofocus

import (
	"log"
)

// Logger is the diagnostic side channel of the controllers.  Nothing in this
// package depends on what a Logger does with the lines.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StdLogger writes level-prefixed lines to a *log.Logger
type StdLogger struct {
	// L is the destination; nil uses the standard logger of package log
	L *log.Logger

	// Debug enables Debugf lines
	Debug bool
}

func (s StdLogger) out(level, format string, args []interface{}) {
	if s.L == nil {
		log.Printf(level+format, args...)
		return
	}
	s.L.Printf(level+format, args...)
}

// Debugf logs at debug level if enabled
func (s StdLogger) Debugf(format string, args ...interface{}) {
	if s.Debug {
		s.out("DEBUG ", format, args)
	}
}

// Infof logs at info level
func (s StdLogger) Infof(format string, args ...interface{}) { s.out("INFO ", format, args) }

// Warnf logs at warn level
func (s StdLogger) Warnf(format string, args ...interface{}) { s.out("WARN ", format, args) }

// Errorf logs at error level
func (s StdLogger) Errorf(format string, args ...interface{}) { s.out("ERROR ", format, args) }

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}

func orNop(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}
