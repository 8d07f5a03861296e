// Package logger holds the orchestrator's own logging setup and the log
// sink boundary that receives every managed service's output lines.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures the orchestrator logger.
type Options struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text (default), color, json
	// File, when non-empty, adds a rotating file destination.
	File     string     `mapstructure:"file"`
	Rotation FileConfig `mapstructure:"rotation"`
	// Output defaults to stderr.
	Output io.Writer `mapstructure:"-"`
}

// New builds the orchestrator logger. It returns the closer of the file
// destination, or nil when there is none.
func New(opts Options) (*slog.Logger, io.Closer) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	var closer io.Closer
	if opts.File != "" {
		f := opts.Rotation.open(opts.File)
		closer = f
		out = io.MultiWriter(out, f)
	}
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "json":
		h = slog.NewJSONHandler(out, ho)
	case "color":
		h = NewColorTextHandler(out, ho, false)
	default:
		h = slog.NewTextHandler(out, ho)
	}
	return slog.New(h), closer
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
