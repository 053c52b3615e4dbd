// Package logging provides the structured, component-scoped logger used
// throughout the cache and resilience cores: a zerolog-backed global
// logger initialized once, with per-component children carrying a
// "component" field.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.Mutex
	global = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Config controls the global logger's level and output format.
type Config struct {
	// Level is one of "debug", "info", "warn", "error" (default "info").
	Level string
	// Pretty selects a human-readable console writer instead of JSON.
	Pretty bool
	// Output overrides the destination (default os.Stdout).
	Output io.Writer
}

// Init (re)configures the global logger. Safe to call once at process
// startup; subsequent calls replace the global logger entirely.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	global = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the given component name,
// e.g. logging.Component("ringhash") for all log lines from that package.
func Component(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return global.With().Str("component", name).Logger()
}
