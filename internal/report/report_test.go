package report

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranolabs/rano/internal/events"
	"github.com/ranolabs/rano/internal/flow"
	"github.com/ranolabs/rano/internal/store"
)

func openTemp(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "rano.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ev(runID string, typ events.Type, provider, domain string) events.Event {
	e := events.Event{
		TS: time.UnixMilli(1700000000000).UTC(), RunID: runID, Event: typ,
		Provider: provider, PID: 100, Comm: "probecli", Proto: flow.TCP,
		LocalIP: "192.168.1.5", LocalPort: 50001, RemoteIP: "10.0.0.5", RemotePort: 443,
		IPVersion: 4, Domain: events.StrPtr(domain),
	}
	if typ == events.Close {
		e.DurationMS = events.Int64Ptr(100)
	}
	return e
}

func seed(t *testing.T, s *store.Store, runID string, connectsPerProvider map[string]int, closes int, domain string) {
	t.Helper()
	require.NoError(t, s.BeginSession(store.Session{RunID: runID, StartTS: time.Now()}))
	var batch []events.Event
	for provider, n := range connectsPerProvider {
		for i := 0; i < n; i++ {
			batch = append(batch, ev(runID, events.Connect, provider, domain))
		}
	}
	for i := 0; i < closes; i++ {
		batch = append(batch, ev(runID, events.Close, "anthropic", domain))
	}
	require.NoError(t, s.WriteBatch(batch))
}

func TestStatusAggregation(t *testing.T) {
	// One session: 10 connects (5 anthropic, 3 openai, 2 google), 5 closes.
	s := openTemp(t)
	seed(t, s, "run-1", map[string]int{"anthropic": 5, "openai": 3, "google": 2}, 5, "api.example.com")

	var buf bytes.Buffer
	require.NoError(t, Status(&buf, s))
	out := buf.String()
	assert.Contains(t, out, "5 active")
	assert.Contains(t, out, "anthropic:5")
	assert.Contains(t, out, "openai:3")
	assert.Contains(t, out, "google:2")
}

func TestDiffAcrossSessions(t *testing.T) {
	// Two sessions with shifted domain sets and provider counts.
	s := openTemp(t)
	require.NoError(t, s.BeginSession(store.Session{RunID: "old-run", StartTS: time.Now(), Name: "old"}))
	require.NoError(t, s.BeginSession(store.Session{RunID: "new-run", StartTS: time.Now().Add(time.Second), Name: "new"}))

	oldBatch := []events.Event{
		ev("old-run", events.Connect, "anthropic", "legacy.example.com"),
		ev("old-run", events.Connect, "anthropic", "shared.example.com"),
		ev("old-run", events.Connect, "openai", "shared.example.com"),
	}
	newBatch := []events.Event{
		ev("new-run", events.Connect, "anthropic", "new.example.com"),
		ev("new-run", events.Connect, "google", "shared.example.com"),
		ev("new-run", events.Connect, "google", "shared.example.com"),
		ev("new-run", events.Connect, "google", "shared.example.com"),
		ev("new-run", events.Connect, "google", "shared.example.com"),
	}
	require.NoError(t, s.WriteBatch(oldBatch))
	require.NoError(t, s.WriteBatch(newBatch))

	var buf bytes.Buffer
	require.NoError(t, Diff(&buf, s, "old", "new", 20))
	out := buf.String()
	assert.Contains(t, out, "new domain new.example.com")
	assert.Contains(t, out, "removed domain legacy.example.com")
	assert.Contains(t, out, "changed domain shared.example.com")
	assert.Contains(t, out, "provider openai: 1 -> 0")
	assert.Contains(t, out, "provider google: 0 -> 4")
}

func TestReportListsSessions(t *testing.T) {
	s := openTemp(t)
	seed(t, s, "run-1", map[string]int{"anthropic": 2}, 1, "a.example.com")
	require.NoError(t, s.FinalizeSession("run-1", time.Now(), 2, 1))

	var buf bytes.Buffer
	require.NoError(t, Report(&buf, s, 10))
	out := buf.String()
	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "connects=2")
	assert.Contains(t, out, "top=anthropic")
}

func TestExportCSV(t *testing.T) {
	s := openTemp(t)
	seed(t, s, "run-1", map[string]int{"openai": 1}, 0, "api.example.com")

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, s, "run-1", "csv"))
	out := buf.String()
	assert.Contains(t, out, "ts,run_id,event")
	assert.Contains(t, out, "connect,openai")

	var jbuf bytes.Buffer
	require.NoError(t, Export(&jbuf, s, "run-1", "jsonl"))
	assert.Contains(t, jbuf.String(), `"event":"connect"`)

	require.Error(t, Export(&buf, s, "run-1", "xml"))
}

func TestExceedsThreshold(t *testing.T) {
	assert.False(t, exceedsThreshold(10, 10, 20))
	assert.False(t, exceedsThreshold(10, 11, 20)) // 10% < 20%
	assert.True(t, exceedsThreshold(10, 12, 20))  // exactly 20%
	assert.True(t, exceedsThreshold(0, 4, 20))
	assert.True(t, exceedsThreshold(1, 0, 20))
}
