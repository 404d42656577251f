// Package log is the ambient structured-logging layer shared by every OLC
// component. It mirrors the teacher's logiface design — a small Level type,
// functional Options for construction, and a chainable per-record builder —
// collapsed onto a single backend (zerolog) instead of logiface's generic
// Event parameter, since OLC has no need to swap logging backends at runtime.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level models severity, ordered least-to-most severe, mirroring the subset
// of syslog levels the teacher's logiface package exposes.
type Level int

const (
	LevelDisabled Level = iota - 1
	LevelTrace
	LevelDebug
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelTrace:
		return zerolog.TraceLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelNotice, LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}

// Logger is the handle every component takes a reference to at construction.
// The zero value is not usable; use New or Nop.
type Logger struct {
	z zerolog.Logger
}

// Option configures a Logger constructed by New.
type Option func(*config)

type config struct {
	writer io.Writer
	level  Level
}

// WithWriter sets the destination for log output. Defaults to os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(c *config) { c.writer = w }
}

// WithLevel sets the minimum level that will be written.
func WithLevel(level Level) Option {
	return func(c *config) { c.level = level }
}

// New constructs a root Logger. With no options, logs at LevelInfo to
// os.Stderr in zerolog's console-friendly format is NOT used by default —
// production deployments want machine-parseable JSON; ConsoleWriter is
// available to callers (e.g. a CLI) via WithWriter(zerolog.ConsoleWriter{...}).
func New(opts ...Option) *Logger {
	c := config{writer: os.Stderr, level: LevelInfo}
	for _, opt := range opts {
		opt(&c)
	}
	z := zerolog.New(c.writer).Level(c.level.zerolog()).With().Timestamp().Logger()
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything. Useful as a default in
// tests and in components constructed without an explicit Logger.
func Nop() *Logger {
	return &Logger{z: zerolog.Nop()}
}

// With returns a child Logger with component bound as a structured field on
// every subsequent record. Child loggers share the parent's writer and level.
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With().Str("component", component).Logger()}
}

// WithFields returns a child Logger with the given key/value pairs bound as
// structured fields on every subsequent record.
func (l *Logger) WithFields(fields ...Field) *Logger {
	ctx := l.z.With()
	for _, f := range fields {
		ctx = f.apply(ctx)
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) event(level Level) *Event {
	var z *zerolog.Event
	switch level {
	case LevelTrace:
		z = l.z.Trace()
	case LevelDebug:
		z = l.z.Debug()
	case LevelInfo:
		z = l.z.Info()
	case LevelNotice, LevelWarn:
		z = l.z.Warn()
	case LevelError:
		z = l.z.Error()
	default:
		z = l.z.Log()
	}
	return &Event{z: z}
}

// Trace starts a trace-level record.
func (l *Logger) Trace() *Event { return l.event(LevelTrace) }

// Debug starts a debug-level record.
func (l *Logger) Debug() *Event { return l.event(LevelDebug) }

// Info starts an info-level record.
func (l *Logger) Info() *Event { return l.event(LevelInfo) }

// Warn starts a warning-level record.
func (l *Logger) Warn() *Event { return l.event(LevelWarn) }

// Error starts an error-level record.
func (l *Logger) Error() *Event { return l.event(LevelError) }

// Event is a single in-flight log record, built by chaining field setters and
// terminated by Msg. An Event obtained from a disabled level is safe to chain
// and discards every field — callers never need to guard with an enabled
// check.
type Event struct {
	z *zerolog.Event
}

func (e *Event) Str(key, val string) *Event {
	e.z = e.z.Str(key, val)
	return e
}

func (e *Event) Int(key string, val int) *Event {
	e.z = e.z.Int(key, val)
	return e
}

func (e *Event) Bool(key string, val bool) *Event {
	e.z = e.z.Bool(key, val)
	return e
}

func (e *Event) Dur(key string, val time.Duration) *Event {
	e.z = e.z.Dur(key, val)
	return e
}

func (e *Event) Time(key string, val time.Time) *Event {
	e.z = e.z.Time(key, val)
	return e
}

func (e *Event) Err(err error) *Event {
	e.z = e.z.Err(err)
	return e
}

func (e *Event) Any(key string, val any) *Event {
	e.z = e.z.Interface(key, val)
	return e
}

// Msg terminates the record, writing it with msg attached.
func (e *Event) Msg(msg string) {
	e.z.Msg(msg)
}

// Msgf terminates the record, formatting msg.
func (e *Event) Msgf(format string, args ...any) {
	e.z.Msgf(format, args...)
}

// Field is a deferred key/value pair, for use with WithFields.
type Field struct {
	apply func(zerolog.Context) zerolog.Context
}

func Str(key, val string) Field {
	return Field{apply: func(c zerolog.Context) zerolog.Context { return c.Str(key, val) }}
}

func Int(key string, val int) Field {
	return Field{apply: func(c zerolog.Context) zerolog.Context { return c.Int(key, val) }}
}
