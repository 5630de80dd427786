// Package log is a small structured logging shim used by tnt and by
// buffer's debug-mode assertions, in place of the stdlib "log"
// package's unstructured Printf. It follows the teacher's preference
// for plain, explicit error values (db.go's errors.New/fmt.Errorf)
// rather than a heavyweight logging framework: one leveled writer, no
// hooks, no structured fields beyond a formatted message.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
)

// Level orders log severity; messages below a Logger's configured
// level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger writes leveled, line-oriented messages to an io.Writer.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// New returns a Logger writing to out, dropping messages below level.
func New(out io.Writer, level Level) *Logger {
	return &Logger{out: out, level: level}
}

var std = New(os.Stderr, LevelInfo)

// Default returns the package-wide logger used by buffer and tnt when
// the caller hasn't supplied one of its own.
func Default() *Logger { return std }

// SetDefault replaces the package-wide default logger.
func SetDefault(l *Logger) { std = l }

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] %s\n", level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

// Bytes renders n bytes human-readably (e.g. block sizes, IOV totals),
// for use inline in a log format string.
func Bytes(n uint64) string { return humanize.Bytes(n) }

// Comma renders n with thousands separators (e.g. element/record
// counts).
func Comma(n int64) string { return humanize.Comma(n) }
