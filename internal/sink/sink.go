// Package sink fans each cycle's events out to the enabled outputs: the
// SQLite store, a human-readable text summary, a JSON-line stream, and the
// alert stream. All writes happen on the engine's main loop.
package sink

import (
	"fmt"

	"github.com/ranolabs/rano/internal/events"
)

// Sink consumes one ordered batch of events per polling cycle.
type Sink interface {
	WriteEvents(evs []events.Event) error
	Close() error
	Name() string
}

// Composite writes to every sink, returning the first error only when all
// sinks failed; a single degraded sink must not stall the others.
type Composite struct {
	sinks []Sink
}

// NewComposite builds a composite over the enabled sinks.
func NewComposite(sinks ...Sink) *Composite {
	return &Composite{sinks: sinks}
}

// WriteEvents implements Sink.
func (c *Composite) WriteEvents(evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	var firstErr error
	failures := 0
	for _, s := range c.sinks {
		if err := s.WriteEvents(evs); err != nil {
			failures++
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", s.Name(), err)
			}
		}
	}
	if failures == len(c.sinks) && len(c.sinks) > 0 {
		return fmt.Errorf("all sinks failed: %w", firstErr)
	}
	return nil
}

// Close implements Sink.
func (c *Composite) Close() error {
	var firstErr error
	for _, s := range c.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Name implements Sink.
func (c *Composite) Name() string { return "composite" }
