// Package logging provides the relay's component loggers.
//
// The relay does not pull in a structured-logging library: every
// component gets a standard library *log.Logger with a bracketed
// component prefix, written to stdout. This package centralizes that
// convention so every component gets a consistently named logger
// instead of constructing its own log.New call.
package logging

import (
	"log"
	"os"
)

// New returns a component logger following the "[NAME] " prefix
// convention used throughout the relay (e.g. "[RELAY]", "[HISTORY]",
// "[PUSH]").
func New(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.LstdFlags|log.Lmsgprefix)
}
