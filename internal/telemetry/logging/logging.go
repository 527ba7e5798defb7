// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
)

// Options select the handler shape.
type Options struct {
	// JSON switches from the human text handler to JSON records, matching
	// the --json output mode.
	JSON  bool
	Level slog.Level
}

// New builds a logger writing to w (normally stderr).
func New(w io.Writer, opts Options) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: opts.Level}
	if opts.JSON {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
