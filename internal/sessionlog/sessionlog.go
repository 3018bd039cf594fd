// Package sessionlog is the shared logging wrapper every component in
// the secure-messaging core logs through. Happy-path lines stay
// human-readable, in the teacher's prefixed style; fault paths always
// carry a parseable kind= tag.
package sessionlog

import (
	"log"
	"os"

	"github.com/veilroom/veilcore/internal/faults"
)

// Logger wraps the standard library logger with a component prefix.
type Logger struct {
	*log.Logger
}

// New creates a Logger prefixed with the given component name.
func New(component string) *Logger {
	return &Logger{
		Logger: log.New(os.Stderr, "["+component+"] ", log.LstdFlags),
	}
}

// Info logs a happy-path status line.
func (l *Logger) Info(format string, args ...any) {
	l.Printf("✓ "+format, args...)
}

// Warn logs a recoverable condition.
func (l *Logger) Warn(format string, args ...any) {
	l.Printf("⚠ "+format, args...)
}

// Fault logs a structured fault line: every automated log scraper
// outside this core can key off "kind=".
func (l *Logger) Fault(peer string, err error) {
	kind := faults.Kind("unknown")
	if f, ok := err.(*faults.Fault); ok {
		kind = f.Kind
	}
	l.Printf("✗ fault kind=%s peer=%s: %v", kind, peer, err)
}
