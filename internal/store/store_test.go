package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranolabs/rano/internal/events"
	"github.com/ranolabs/rano/internal/flow"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "rano.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvent(runID string, typ events.Type, provider string) events.Event {
	ev := events.Event{
		TS:              time.UnixMilli(1700000000000).UTC(),
		RunID:           runID,
		Event:           typ,
		Provider:        provider,
		PID:             100,
		Comm:            "probecli",
		Cmdline:         "/usr/bin/probecli --serve",
		Proto:           flow.TCP,
		LocalIP:         "192.168.1.5",
		LocalPort:       50001,
		RemoteIP:        "10.0.0.5",
		RemotePort:      443,
		Domain:          events.StrPtr("api.example.com"),
		RemoteIsPrivate: false,
		IPVersion:       4,
	}
	if typ == events.Close {
		ev.DurationMS = events.Int64Ptr(1234)
	}
	return ev
}

func TestSchemaCreationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rano.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	// Reopening an existing database must succeed against the present schema.
	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestWriteBatchRoundTrip(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.BeginSession(Session{RunID: "run-1", StartTS: time.Now(), Host: "h", User: "u"}))

	in := []events.Event{
		sampleEvent("run-1", events.Connect, "openai"),
		sampleEvent("run-1", events.Close, "openai"),
	}
	in[1].Domain = nil // unresolved at close
	require.NoError(t, s.WriteBatch(in))

	out, err := s.EventsForSession("run-1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in[0].TS, out[0].TS)
	assert.Equal(t, in[0].Provider, out[0].Provider)
	assert.Equal(t, in[0].Comm, out[0].Comm)
	require.NotNil(t, out[0].Domain)
	assert.Equal(t, "api.example.com", *out[0].Domain)
	assert.Nil(t, out[0].DurationMS)

	assert.Equal(t, events.Close, out[1].Event)
	assert.Nil(t, out[1].Domain)
	require.NotNil(t, out[1].DurationMS)
	assert.Equal(t, int64(1234), *out[1].DurationMS)
}

func TestStatsEventRoundTrip(t *testing.T) {
	s := openTemp(t)
	ev := events.Event{
		TS: time.UnixMilli(1700000000000).UTC(), RunID: "run-1", Event: events.StatsEvent,
		Stats: &events.Stats{Connects: 10, Closes: 5, Active: 5, PerProvider: map[string]uint64{"anthropic": 5}},
	}
	require.NoError(t, s.WriteBatch([]events.Event{ev}))
	out, err := s.EventsForSession("run-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Stats)
	assert.Equal(t, uint64(10), out[0].Stats.Connects)
	assert.Equal(t, uint64(5), out[0].Stats.PerProvider["anthropic"])
}

func TestSessionLifecycle(t *testing.T) {
	s := openTemp(t)
	start := time.UnixMilli(1700000000000).UTC()
	require.NoError(t, s.BeginSession(Session{
		RunID: "run-1", StartTS: start, Host: "box", User: "dev",
		Patterns: []string{"probecli", "claude"}, DomainMode: "ptr",
		IntervalMS: 1000, StatsIntervalMS: 60000, Name: "baseline",
	}))
	end := start.Add(time.Minute)
	require.NoError(t, s.FinalizeSession("run-1", end, 10, 5))

	sess, err := s.LatestSession()
	require.NoError(t, err)
	assert.Equal(t, "run-1", sess.RunID)
	assert.Equal(t, []string{"probecli", "claude"}, sess.Patterns)
	require.NotNil(t, sess.EndTS)
	assert.Equal(t, end, *sess.EndTS)
	assert.Equal(t, uint64(10), sess.Connects)
	assert.Equal(t, uint64(5), sess.Closes)
}

func TestFindSessionByPrefixAndName(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.BeginSession(Session{RunID: "aaaa-1111", StartTS: time.Now(), Name: "old"}))
	require.NoError(t, s.BeginSession(Session{RunID: "bbbb-2222", StartTS: time.Now().Add(time.Second), Name: "new"}))

	sess, err := s.FindSession("old")
	require.NoError(t, err)
	assert.Equal(t, "aaaa-1111", sess.RunID)

	sess, err = s.FindSession("bbbb")
	require.NoError(t, err)
	assert.Equal(t, "bbbb-2222", sess.RunID)

	_, err = s.FindSession("zzzz")
	require.Error(t, err)
}

func TestSessionAggregates(t *testing.T) {
	// Status scenario: 10 connects (5 anthropic, 3 openai, 2 google), 5 closes.
	s := openTemp(t)
	var batch []events.Event
	add := func(n int, provider string) {
		for i := 0; i < n; i++ {
			batch = append(batch, sampleEvent("run-1", events.Connect, provider))
		}
	}
	add(5, "anthropic")
	add(3, "openai")
	add(2, "google")
	for i := 0; i < 5; i++ {
		batch = append(batch, sampleEvent("run-1", events.Close, "anthropic"))
	}
	require.NoError(t, s.WriteBatch(batch))

	agg, err := s.SessionAggregates("run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), agg.Connects)
	assert.Equal(t, uint64(5), agg.Closes)
	assert.Equal(t, int64(5), agg.Active)
	assert.Equal(t, uint64(5), agg.PerProvider["anthropic"])
	assert.Equal(t, uint64(3), agg.PerProvider["openai"])
	assert.Equal(t, uint64(2), agg.PerProvider["google"])
	assert.Contains(t, agg.Domains, "api.example.com")
}
