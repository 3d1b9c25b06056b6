package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level diagnostic logger used by the cmd/ mains. It
// defaults to log.Printf but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger splits component output into three streams:
//
//   - ops: actionable warnings, errors, degraded results
//   - diag: day-to-day diagnostics and tuning context
//   - trace: high-frequency per-timestamp telemetry
//
// A nil *Logger, or a nil writer for one stream, mutes that output. Loggers
// are passed into components through their config rather than set globally.
type Logger struct {
	ops   *log.Logger
	diag  *log.Logger
	trace *log.Logger
}

// NewLogger creates a Logger. Pass nil for any writer to disable that stream.
func NewLogger(prefix string, ops, diag, trace io.Writer) *Logger {
	return &Logger{
		ops:   newStdLogger(prefix, ops),
		diag:  newStdLogger(prefix, diag),
		trace: newStdLogger(prefix, trace),
	}
}

// NewSingleLogger routes all three streams to w.
func NewSingleLogger(prefix string, w io.Writer) *Logger {
	return NewLogger(prefix, w, w, w)
}

func newStdLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Named returns a copy of l whose lines carry prefix instead of l's prefix.
func (l *Logger) Named(prefix string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		ops:   rename(l.ops, prefix),
		diag:  rename(l.diag, prefix),
		trace: rename(l.trace, prefix),
	}
}

func rename(lg *log.Logger, prefix string) *log.Logger {
	if lg == nil {
		return nil
	}
	return log.New(lg.Writer(), prefix, lg.Flags())
}

// Opsf logs to the ops stream.
func (l *Logger) Opsf(format string, args ...interface{}) {
	if l != nil && l.ops != nil {
		l.ops.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func (l *Logger) Diagf(format string, args ...interface{}) {
	if l != nil && l.diag != nil {
		l.diag.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func (l *Logger) Tracef(format string, args ...interface{}) {
	if l != nil && l.trace != nil {
		l.trace.Printf(format, args...)
	}
}
