// Package mlog provides the small level-prefixed logger used throughout
// MentatSync. The core never logs at info level for expected error paths
// (NOT_FOUND, CONFLICT, PROGRAMMING_ERROR are returned silently); only
// BACKEND_ERROR paths log, and they log with the original cause.
package mlog

import (
	"io"
	"log"
	"os"
)

// Logger wraps the standard library logger with MentatSync's level
// prefixes, matching the teacher's plain-stdlib "[HTTP] ..." style in
// pkg/server/server.go rather than pulling in a structured logging
// dependency the teacher itself doesn't use for this layer.
type Logger struct {
	*log.Logger
}

// Default is the process-wide logger, writing to stderr.
var Default = New(os.Stderr)

// New creates a Logger writing to w with MentatSync's standard flags.
func New(w io.Writer) *Logger {
	return &Logger{Logger: log.New(w, "", log.LstdFlags)}
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.Printf("[INFO] "+msg, args...)
}

// Error logs a backend-level error along with its original cause.
func (l *Logger) Error(msg string, err error, args ...interface{}) {
	all := append(append([]interface{}{}, args...), err)
	l.Printf("[ERROR] "+msg+": %v", all...)
}
