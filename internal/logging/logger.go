// Package logging provides the leveled logger used throughout the
// dispatcher core. It wraps github.com/karlmutch/logxi the same way the
// teacher's go-service/pkg/log package does: a named logger with
// Debug/Info/Warn/Error methods that accept trailing key-value pairs.
package logging

import (
	logxi "github.com/karlmutch/logxi/v1"
)

// Logger is the leveled, named logger handed by pointer to every component
// the Supervisor starts.
type Logger struct {
	l      logxi.Logger
	name   string
	fields []interface{}
}

// NewLogger allocates a named logger. Components should call this once at
// construction and retain the result rather than creating loggers per
// request.
func NewLogger(name string) *Logger {
	return &Logger{l: logxi.New(name), name: name}
}

// Name returns the component name this logger was created with.
func (l *Logger) Name() string {
	return l.name
}

func (l *Logger) merge(kvPairs []interface{}) []interface{} {
	if len(l.fields) == 0 {
		return kvPairs
	}
	out := make([]interface{}, 0, len(l.fields)+len(kvPairs))
	out = append(out, l.fields...)
	out = append(out, kvPairs...)
	return out
}

// Debug logs at debug level. kvPairs is an alternating key, value list.
func (l *Logger) Debug(msg string, kvPairs ...interface{}) {
	l.l.Debug(msg, l.merge(kvPairs)...)
}

// Info logs at info level.
func (l *Logger) Info(msg string, kvPairs ...interface{}) {
	l.l.Info(msg, l.merge(kvPairs)...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, kvPairs ...interface{}) {
	l.l.Warn(msg, l.merge(kvPairs)...)
}

// Error logs at error level.
func (l *Logger) Error(msg string, kvPairs ...interface{}) {
	l.l.Error(msg, l.merge(kvPairs)...)
}

// With returns a derived logger annotated with a fixed correlation field,
// for example a source or target name, attached to every subsequent call.
func (l *Logger) With(key string, value interface{}) *Logger {
	fields := make([]interface{}, len(l.fields), len(l.fields)+2)
	copy(fields, l.fields)
	fields = append(fields, key, value)
	return &Logger{l: l.l, name: l.name, fields: fields}
}
