// Package log wraps a package-level zerolog logger behind a small field API
// so call sites read as log.WithField(...).Info("...").
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level aliases so callers do not need to import zerolog for common cases.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// InitLogger replaces the global logger. When pretty is true the output is
// formatted for a terminal, otherwise it is one JSON object per line.
func InitLogger(w io.Writer, level zerolog.Level, pretty bool) {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	l := zerolog.New(w).With().Timestamp().Logger().Level(level)

	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetLevel changes the level of the current logger, keeping its output.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	logger = logger.Level(level)
	mu.Unlock()
}

// Logger returns the current global zerolog logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Entry accumulates fields before a message is emitted.
type Entry struct {
	fields map[string]interface{}
	err    error
}

// WithField starts an entry with a single field.
func WithField(key string, value interface{}) *Entry {
	return (&Entry{}).WithField(key, value)
}

// WithFields starts an entry with several fields.
func WithFields(fields map[string]interface{}) *Entry {
	return (&Entry{}).WithFields(fields)
}

// WithError starts an entry carrying err.
func WithError(err error) *Entry {
	return &Entry{err: err}
}

// WithField returns a copy of e with key set.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a copy of e with all fields merged in.
func (e *Entry) WithFields(fields map[string]interface{}) *Entry {
	merged := make(map[string]interface{}, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{fields: merged, err: e.err}
}

// WithError returns a copy of e carrying err.
func (e *Entry) WithError(err error) *Entry {
	return &Entry{fields: e.fields, err: err}
}

func (e *Entry) Debug(msg string) { e.emit(zerolog.DebugLevel, msg) }
func (e *Entry) Info(msg string)  { e.emit(zerolog.InfoLevel, msg) }
func (e *Entry) Warn(msg string)  { e.emit(zerolog.WarnLevel, msg) }
func (e *Entry) Error(msg string) { e.emit(zerolog.ErrorLevel, msg) }

func (e *Entry) emit(level zerolog.Level, msg string) {
	l := Logger()
	ev := l.WithLevel(level)
	if ev == nil {
		return
	}
	if len(e.fields) > 0 {
		ev = ev.Fields(e.fields)
	}
	if e.err != nil {
		ev = ev.Err(e.err)
	}
	ev.Msg(msg)
}

func Debug(msg string) { (&Entry{}).Debug(msg) }
func Info(msg string)  { (&Entry{}).Info(msg) }
func Warn(msg string)  { (&Entry{}).Warn(msg) }
func Error(msg string) { (&Entry{}).Error(msg) }
