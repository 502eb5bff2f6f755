package logging

import (
	"fmt"
	"log"

	"github.com/fatih/color"

	"github.com/mirrorpoint/mirrorpoint/pkg/mirrorpoint"
)

// currentLevel is the global logging level. It is set once at startup, before
// any logging occurs, so it requires no synchronization.
var currentLevel = LevelInfo

// SetLevel sets the global logging level. It should be invoked before any
// loggers are used.
func SetLevel(level Level) {
	currentLevel = level
}

// Logger is the main logger type. It has the novel property that it still
// functions if nil, but it doesn't log anything. It is designed to use the
// standard logger provided by the log package, so it respects any flags set
// for that logger. It is safe for concurrent usage.
type Logger struct {
	// prefix is any prefix specified for the logger.
	prefix string
}

// RootLogger is the root logger from which all other loggers derive.
var RootLogger = &Logger{}

// Sublogger creates a new sublogger with the specified name.
func (l *Logger) Sublogger(name string) *Logger {
	// If the logger is nil, then the sublogger will be as well.
	if l == nil {
		return nil
	}

	// Compute the new prefix.
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}

	// Create the new logger.
	return &Logger{
		prefix: prefix,
	}
}

// output is the internal logging method.
func (l *Logger) output(calldepth int, line string) {
	// Add a prefix if necessary.
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}

	// Log.
	log.Output(calldepth, line)
}

// Info logs information with semantics equivalent to fmt.Print.
func (l *Logger) Info(v ...interface{}) {
	if l != nil && currentLevel >= LevelInfo {
		l.output(3, fmt.Sprint(v...))
	}
}

// Infof logs information with semantics equivalent to fmt.Printf.
func (l *Logger) Infof(format string, v ...interface{}) {
	if l != nil && currentLevel >= LevelInfo {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Debug logs information with semantics equivalent to fmt.Print, but only if
// debug logging or the global debug switch is enabled (otherwise it's a
// no-op).
func (l *Logger) Debug(v ...interface{}) {
	if l != nil && (currentLevel >= LevelDebug || mirrorpoint.DebugEnabled) {
		l.output(3, fmt.Sprint(v...))
	}
}

// Debugf logs information with semantics equivalent to fmt.Printf, but only if
// debug logging or the global debug switch is enabled (otherwise it's a
// no-op).
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l != nil && (currentLevel >= LevelDebug || mirrorpoint.DebugEnabled) {
		l.output(3, fmt.Sprintf(format, v...))
	}
}

// Warn logs error information with a warning prefix and yellow color.
func (l *Logger) Warn(err error) {
	if l != nil && currentLevel >= LevelWarn {
		l.output(3, color.YellowString("Warning: %v", err))
	}
}

// Warnf logs warning information with semantics equivalent to fmt.Printf.
func (l *Logger) Warnf(format string, v ...interface{}) {
	if l != nil && currentLevel >= LevelWarn {
		l.output(3, color.YellowString(format, v...))
	}
}

// Error logs error information with an error prefix and red color.
func (l *Logger) Error(err error) {
	if l != nil && currentLevel >= LevelError {
		l.output(3, color.RedString("Error: %v", err))
	}
}

// Errorf logs error information with semantics equivalent to fmt.Printf.
func (l *Logger) Errorf(format string, v ...interface{}) {
	if l != nil && currentLevel >= LevelError {
		l.output(3, color.RedString(format, v...))
	}
}
