package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranolabs/rano/internal/configx"
	"github.com/ranolabs/rano/internal/events"
	"github.com/ranolabs/rano/internal/flow"
	"github.com/ranolabs/rano/internal/tracker"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time       { return c.t }
func (c *fakeClock) tick(d time.Duration) { c.t = c.t.Add(d) }

func newEngine(t *testing.T, settings configx.AlertSettings, clock *fakeClock) *Engine {
	t.Helper()
	e, err := New(settings, WithClock(clock.now))
	require.NoError(t, err)
	return e
}

func connectEvent(provider, domain string) events.Event {
	return events.Event{
		Event: events.Connect, Provider: provider, Comm: "probecli", PID: 100,
		Proto: flow.TCP, RemoteIP: "93.184.216.34", RemotePort: 443, IPVersion: 4,
		Domain: events.StrPtr(domain),
	}
}

func closeEvent(provider string, domain string, durationMS int64) events.Event {
	ev := connectEvent(provider, domain)
	ev.Event = events.Close
	ev.DurationMS = events.Int64Ptr(durationMS)
	return ev
}

func TestCompileFailureIsFatal(t *testing.T) {
	_, err := New(configx.AlertSettings{DomainGlobs: []string{"[bad"}})
	require.Error(t, err)
}

func TestDomainWatchFlagsConnect(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := newEngine(t, configx.AlertSettings{DomainGlobs: []string{"*.example.com"}}, clock)

	evs := []events.Event{connectEvent("unknown", "api.example.com")}
	firings := e.EvaluateCycle(evs, 1, map[string]uint64{"unknown": 1}, nil)
	require.Len(t, firings, 1)
	assert.Equal(t, RuleDomainWatch, firings[0].Rule)
	assert.Equal(t, "api.example.com", firings[0].Subject)
	assert.True(t, evs[0].Alert)

	alerts, suppressed := e.Totals()
	assert.Equal(t, uint64(1), alerts)
	assert.Equal(t, uint64(0), suppressed)
}

func TestDomainWatchIgnoresUnresolvedAndLocal(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := newEngine(t, configx.AlertSettings{DomainGlobs: []string{"*"}}, clock)

	noDomain := connectEvent("unknown", "")
	local := connectEvent(configx.ProviderLocal, "printer.lan")
	evs := []events.Event{noDomain, local}
	firings := e.EvaluateCycle(evs, 2, nil, nil)
	assert.Empty(t, firings)
	assert.False(t, evs[0].Alert)
	assert.False(t, evs[1].Alert)
}

func TestCooldownSuppressionScenario(t *testing.T) {
	// max-connections=10, cooldown=5000ms. Crosses at t=0
	// (fire), stays >= 10 through t=4s (suppressed), re-crosses at t=6s
	// (fire). Expected 2 alerts, 1 suppressed.
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := newEngine(t, configx.AlertSettings{MaxConnections: 10, CooldownMS: 5000}, clock)

	evs := []events.Event{connectEvent("openai", "")}
	firings := e.EvaluateCycle(evs, 10, nil, nil)
	require.Len(t, firings, 1)
	assert.Equal(t, RuleMaxConnections, firings[0].Rule)
	assert.True(t, evs[0].Alert)

	clock.tick(4 * time.Second)
	firings = e.EvaluateCycle(nil, 11, nil, nil)
	assert.Empty(t, firings)

	clock.tick(2 * time.Second) // t=6s: past cooldown
	firings = e.EvaluateCycle(nil, 10, nil, nil)
	require.Len(t, firings, 1)

	alerts, suppressed := e.Totals()
	assert.Equal(t, uint64(2), alerts)
	assert.Equal(t, uint64(1), suppressed)
}

func TestMaxPerProviderExcludesLocal(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := newEngine(t, configx.AlertSettings{MaxPerProvider: 2}, clock)

	per := map[string]uint64{"openai": 3, configx.ProviderLocal: 9}
	firings := e.EvaluateCycle(nil, 12, per, nil)
	require.Len(t, firings, 1)
	assert.Equal(t, RuleMaxPerProvider, firings[0].Rule)
	assert.Equal(t, "openai", firings[0].Subject)
}

func TestUnknownDomainAtClose(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := newEngine(t, configx.AlertSettings{UnknownDomain: true}, clock)

	unresolved := closeEvent("unknown", "", 1200)
	unresolved.Domain = nil
	resolved := closeEvent("unknown", "api.example.com", 1200)
	evs := []events.Event{unresolved, resolved}
	firings := e.EvaluateCycle(evs, 0, nil, nil)
	require.Len(t, firings, 1)
	assert.Equal(t, RuleUnknownDomain, firings[0].Rule)
	assert.True(t, evs[0].Alert)
	assert.False(t, evs[1].Alert)
}

func TestDurationFlagsCloseAndFiresOnLiveFlows(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := newEngine(t, configx.AlertSettings{DurationMS: 1000}, clock)

	// Short close: no alert.
	short := []events.Event{closeEvent("openai", "", 500)}
	assert.Empty(t, e.EvaluateCycle(short, 0, nil, nil))
	assert.False(t, short[0].Alert)

	// Long close: flagged and fired.
	long := []events.Event{closeEvent("openai", "", 2500)}
	firings := e.EvaluateCycle(long, 0, nil, nil)
	require.Len(t, firings, 1)
	assert.True(t, long[0].Alert)

	// Live flow over threshold fires once, then cooldown suppresses.
	rec := &tracker.Record{
		Key:       flow.Key{Proto: flow.TCP, LocalIP: "192.168.1.5", LocalPort: 50001, RemoteIP: "10.9.9.9", RemotePort: 443, IPVersion: 4},
		Provider:  "anthropic",
		FirstSeen: clock.now().Add(-2 * time.Second),
	}
	firings = e.EvaluateCycle(nil, 1, nil, []*tracker.Record{rec})
	require.Len(t, firings, 1)
	assert.Equal(t, RuleDuration, firings[0].Rule)
	assert.Empty(t, e.EvaluateCycle(nil, 1, nil, []*tracker.Record{rec}))
}

func TestDisabledEvaluationDoesNothing(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	e := newEngine(t, configx.AlertSettings{MaxConnections: 1, Disabled: true}, clock)
	evs := []events.Event{connectEvent("openai", "api.example.com")}
	assert.Empty(t, e.EvaluateCycle(evs, 100, nil, nil))
	assert.False(t, evs[0].Alert)
	alerts, suppressed := e.Totals()
	assert.Zero(t, alerts)
	assert.Zero(t, suppressed)
}
