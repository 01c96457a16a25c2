// Package logging centralizes zerolog setup for c3voit. Components call
// logging.Component("c3") to get a logger tagged with their name and
// attach structured fields inline at each call site.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	base    = zerolog.New(os.Stderr).With().Timestamp().Logger()
	initted bool
)

// Configure sets the global log level and output writer. Safe to call once
// at process startup; subsequent calls replace the base logger.
func Configure(level string, w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}
	base = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	initted = true
}

// Component returns a logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.With().Str("component", name).Logger()
}

// Initialized reports whether Configure has been called; used by tests that
// want to assert on default behavior.
func Initialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return initted
}
