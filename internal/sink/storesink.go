package sink

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ranolabs/rano/internal/events"
	"github.com/ranolabs/rano/internal/store"
)

// BatchWriter is the store surface the sink needs.
type BatchWriter interface {
	WriteBatch(evs []events.Event) error
}

var _ BatchWriter = (*store.Store)(nil)

// Store buffers each cycle's events and commits them as one transaction.
// A failed batch is retried briefly within the cycle and then carried to the
// next cycle; events are never dropped silently. While the store keeps
// failing the sink reports itself degraded so stats can expose it.
type Store struct {
	writer  BatchWriter
	pending []events.Event

	maxElapsed time.Duration
	retries    atomic.Uint64
	degraded   atomic.Bool
}

// NewStore wraps the event store as a sink.
func NewStore(writer BatchWriter) *Store {
	return &Store{writer: writer, maxElapsed: 500 * time.Millisecond}
}

// WriteEvents implements Sink. The pending buffer carries any previously
// failed batch, so commit order is preserved across retries.
func (s *Store) WriteEvents(evs []events.Event) error {
	s.pending = append(s.pending, evs...)
	if len(s.pending) == 0 {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxElapsedTime = s.maxElapsed
	err := backoff.Retry(func() error {
		if err := s.writer.WriteBatch(s.pending); err != nil {
			s.retries.Add(1)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		s.degraded.Store(true)
		return err
	}
	s.pending = nil
	s.degraded.Store(false)
	return nil
}

// Flush makes a final attempt to commit anything still pending (shutdown).
func (s *Store) Flush() error {
	return s.WriteEvents(nil)
}

// Degraded reports whether the last commit attempt failed.
func (s *Store) Degraded() bool { return s.degraded.Load() }

// Retries returns the cumulative failed write attempts.
func (s *Store) Retries() uint64 { return s.retries.Load() }

// Pending returns the carried-over event count (diagnostics).
func (s *Store) Pending() int { return len(s.pending) }

// Close implements Sink.
func (s *Store) Close() error { return nil }

// Name implements Sink.
func (s *Store) Name() string { return "store" }
