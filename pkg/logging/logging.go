// Package logging wraps logrus with caller context fields.
package logging

import (
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextLogger adds context logging functionality to the
// underlying logging package.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the field struct in the
// underlying logging package.
type LogFields logrus.Fields

var log = &ContextLogger{Logger: newLogger()}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// Logger returns the package-level logger.
func Logger() *ContextLogger {
	return log
}

// SetLevel parses and applies a level name ("debug", "info", ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

// SetOutput redirects all log output.
func SetOutput(w io.Writer) {
	log.Logger.SetOutput(w)
}

// WithContext adds a "context" field containing the caller's
// function name and source file line number. Use this function
// when the log has no fields.
func (logger *ContextLogger) WithContext() *logrus.Entry {
	return logger.WithFields(logrus.Fields{"context": parentContext()})
}

// WithContextFields adds a "context" field containing the caller's
// function name and source file line number. Any existing "context"
// field is renamed to "fields.context".
func (logger *ContextLogger) WithContextFields(fields LogFields) *logrus.Entry {
	if v, ok := fields["context"]; ok {
		fields["fields.context"] = v
	}
	fields["context"] = parentContext()
	return logger.WithFields(logrus.Fields(fields))
}

// WithContext is a shortcut for Logger().WithContext().
func WithContext() *logrus.Entry {
	return log.WithFields(logrus.Fields{"context": parentContext()})
}

// WithContextFields is a shortcut for Logger().WithContextFields().
func WithContextFields(fields LogFields) *logrus.Entry {
	if v, ok := fields["context"]; ok {
		fields["fields.context"] = v
	}
	fields["context"] = parentContext()
	return log.WithFields(logrus.Fields(fields))
}

// parentContext names the function two frames up, i.e. the caller of
// the WithContext helper.
func parentContext() string {
	pc, _, line, ok := runtime.Caller(2)
	if !ok {
		return "?"
	}
	name := "?"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	return name + "#" + strconv.Itoa(line)
}
