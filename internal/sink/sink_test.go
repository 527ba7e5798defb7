package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranolabs/rano/internal/alerts"
	"github.com/ranolabs/rano/internal/events"
	"github.com/ranolabs/rano/internal/flow"
)

func sampleConnect() events.Event {
	return events.Event{
		TS:        time.Date(2026, 8, 1, 12, 0, 1, 0, time.UTC),
		RunID:     "run-1",
		Event:     events.Connect,
		Provider:  "openai",
		PID:       100,
		Comm:      "probecli",
		Cmdline:   "/usr/bin/probecli --serve",
		Proto:     flow.TCP,
		LocalIP:   "192.168.1.5",
		LocalPort: 50001, RemoteIP: "10.0.0.5", RemotePort: 443,
		IPVersion: 4,
	}
}

func TestJSONLineKeyOrderAndRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	j := NewJSONLine(&buf)
	require.NoError(t, j.WriteEvents([]events.Event{sampleConnect()}))

	line := strings.TrimSpace(buf.String())
	// Key order mirrors the store column order.
	tsIdx := strings.Index(line, `"ts"`)
	runIdx := strings.Index(line, `"run_id"`)
	evIdx := strings.Index(line, `"event"`)
	provIdx := strings.Index(line, `"provider"`)
	alertIdx := strings.Index(line, `"alert"`)
	require.True(t, tsIdx >= 0 && runIdx > tsIdx && evIdx > runIdx && provIdx > evIdx && alertIdx > provIdx)
	assert.Contains(t, line, `"event":"connect"`)
	assert.Contains(t, line, `"provider":"openai"`)
	assert.Contains(t, line, `"comm":"probecli"`)
	// Inapplicable columns serialize as null.
	assert.Contains(t, line, `"domain":null`)
	assert.Contains(t, line, `"duration_ms":null`)

	// Serialized -> parsed -> re-serialized is byte-identical.
	var parsed events.Event
	require.NoError(t, json.Unmarshal([]byte(line), &parsed))
	again, err := json.Marshal(&parsed)
	require.NoError(t, err)
	assert.Equal(t, line, string(again))
}

func TestTextSinkLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewText(&buf)

	connect := sampleConnect()
	closeEv := sampleConnect()
	closeEv.Event = events.Close
	closeEv.Domain = events.StrPtr("api.example.com")
	closeEv.DurationMS = events.Int64Ptr(2500)
	closeEv.Alert = true
	stats := events.Event{
		TS: connect.TS, Event: events.StatsEvent,
		Stats: &events.Stats{Active: 5, Connects: 10, Closes: 5, PerProvider: map[string]uint64{"anthropic": 5, "openai": 3}},
	}
	require.NoError(t, sink.WriteEvents([]events.Event{connect, closeEv, stats}))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "connect")
	assert.Contains(t, lines[0], "openai")
	assert.Contains(t, lines[1], "duration=2500ms")
	assert.Contains(t, lines[1], "(api.example.com)")
	assert.Contains(t, lines[1], "[ALERT]")
	assert.Contains(t, lines[2], "5 active")
	assert.Contains(t, lines[2], "anthropic:5")
	assert.Contains(t, lines[2], "openai:3")
}

type flakyWriter struct {
	failures int
	batches  [][]events.Event
}

func (f *flakyWriter) WriteBatch(evs []events.Event) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("disk full")
	}
	cp := make([]events.Event, len(evs))
	copy(cp, evs)
	f.batches = append(f.batches, cp)
	return nil
}

func TestStoreSinkRetriesWithinCycle(t *testing.T) {
	w := &flakyWriter{failures: 1}
	s := NewStore(w)
	require.NoError(t, s.WriteEvents([]events.Event{sampleConnect()}))
	require.Len(t, w.batches, 1)
	assert.False(t, s.Degraded())
	assert.Equal(t, uint64(1), s.Retries())
}

func TestStoreSinkCarriesBatchToNextCycle(t *testing.T) {
	w := &flakyWriter{failures: 100}
	s := NewStore(w)
	s.maxElapsed = 10 * time.Millisecond

	first := []events.Event{sampleConnect()}
	require.Error(t, s.WriteEvents(first))
	assert.True(t, s.Degraded())
	assert.Equal(t, 1, s.Pending())

	// Store recovers: carried events commit ahead of the new cycle's, in order.
	w.failures = 0
	second := sampleConnect()
	second.Event = events.Close
	require.NoError(t, s.WriteEvents([]events.Event{second}))
	require.Len(t, w.batches, 1)
	require.Len(t, w.batches[0], 2)
	assert.Equal(t, events.Connect, w.batches[0][0].Event)
	assert.Equal(t, events.Close, w.batches[0][1].Event)
	assert.False(t, s.Degraded())
	assert.Zero(t, s.Pending())
}

func TestCompositeToleratesOneFailingSink(t *testing.T) {
	w := &flakyWriter{failures: 1000}
	failing := NewStore(w)
	failing.maxElapsed = 5 * time.Millisecond
	var buf bytes.Buffer
	c := NewComposite(failing, NewText(&buf))

	err := c.WriteEvents([]events.Event{sampleConnect()})
	// One healthy sink: composite succeeds, text output present.
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "connect")
}

func TestAlertSinkFormatsFirings(t *testing.T) {
	var buf bytes.Buffer
	a := NewAlerts(&buf, true)
	require.NoError(t, a.WriteFirings([]alerts.Firing{{
		TS:      time.Date(2026, 8, 1, 12, 0, 1, 0, time.UTC),
		Rule:    alerts.RuleMaxConnections,
		Message: "active connections 12 >= 10",
	}}))
	out := buf.String()
	assert.Contains(t, out, "ALERT max-connections")
	assert.Contains(t, out, "\a")
}
