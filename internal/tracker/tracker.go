// Package tracker maintains the live set of attributed flows, computes
// connect/close deltas between socket snapshots, classifies each flow under
// the provider taxonomy, and owns duration accounting.
package tracker

import (
	"sort"
	"time"

	"github.com/ranolabs/rano/internal/configx"
	"github.com/ranolabs/rano/internal/events"
	"github.com/ranolabs/rano/internal/flow"
	"github.com/ranolabs/rano/internal/packettap"
	"github.com/ranolabs/rano/internal/procmatch"
)

// State is the lifecycle state of a tracked flow.
type State int

const (
	StateNew State = iota
	StateEstablished
	StateClosed
)

// Record is one attributed flow, owned exclusively by the tracker.
type Record struct {
	Key             flow.Key
	PID             int32
	Comm            string
	Cmdline         string
	Provider        string
	Domain          string
	RemoteIsPrivate bool
	FirstSeen       time.Time
	LastSeen        time.Time
	State           State
}

// DomainLookup consults the DNS cache without blocking.
type DomainLookup func(ip string) (string, bool)

// Tracker holds all mutable flow state. It is confined to the engine's main
// loop and is not safe for concurrent use.
type Tracker struct {
	runID    string
	taxonomy *configx.Taxonomy
	lookup   DomainLookup
	now      func() time.Time

	live map[flow.Key]*Record
	// closed holds records for one extra cycle so late tap signals that
	// reference a just-closed key resolve to a known flow instead of
	// creating a phantom.
	closed     map[flow.Key]*Record
	prevClosed map[flow.Key]*Record

	connects    uint64
	closes      uint64
	perProvider map[string]uint64
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New builds a tracker bound to an immutable taxonomy snapshot.
func New(runID string, taxonomy *configx.Taxonomy, lookup DomainLookup, opts ...Option) *Tracker {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	t := &Tracker{
		runID:       runID,
		taxonomy:    taxonomy,
		lookup:      lookup,
		now:         time.Now,
		live:        make(map[flow.Key]*Record),
		closed:      make(map[flow.Key]*Record),
		prevClosed:  make(map[flow.Key]*Record),
		perProvider: make(map[string]uint64),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Advance runs one polling cycle: diff the snapshot against the live map,
// integrate tap signals, and return the cycle's events ordered closes-first
// so a downstream reader never observes a transient rise when the net change
// is zero. Within each group order is (provider, pid, remote_ip,
// remote_port) for reproducibility.
func (t *Tracker) Advance(obs []flow.Observation, procs map[int32]procmatch.Info, signals []packettap.Signal) []events.Event {
	now := t.now()

	// Closed records from the previous cycle age out now.
	t.prevClosed = t.closed
	t.closed = make(map[flow.Key]*Record)

	snapshot := make(map[flow.Key]flow.Observation, len(obs))
	for _, o := range obs {
		snapshot[o.Key] = o
	}

	var connectRecs, closeRecs []*Record

	// Vanished keys close first.
	for key, rec := range t.live {
		if _, stillThere := snapshot[key]; !stillThere {
			closeRecs = append(closeRecs, t.closeFlow(rec, now))
		}
	}

	// New keys connect; surviving keys refresh last_seen.
	for key, o := range snapshot {
		if rec, ok := t.live[key]; ok {
			rec.LastSeen = now
			if rec.PID == 0 && o.PID != 0 {
				t.stampProcess(rec, o.PID, procs)
			}
			continue
		}
		connectRecs = append(connectRecs, t.openFlow(key, o.PID, procs, now))
	}

	// Tap signals observed since the last cycle: SYN/SYN-ACK opens a flow
	// ahead of the next poll, FIN/RST closes one polling missed.
	for _, sig := range signals {
		switch sig.Kind {
		case packettap.SYN, packettap.SYNACK:
			if t.known(sig.Key) {
				continue
			}
			connectRecs = append(connectRecs, t.openFlow(sig.Key, 0, procs, now))
		case packettap.FIN, packettap.RST:
			key := sig.Key
			rec, ok := t.live[key]
			if !ok {
				key = packettap.Reverse(sig.Key)
				rec, ok = t.live[key]
			}
			if !ok {
				continue
			}
			closeRecs = append(closeRecs, t.closeFlow(rec, now))
		}
	}

	// Live flows without a domain yet pick one up as lookups resolve; the
	// domain is used on the eventual close event, never retroactively.
	for _, rec := range t.live {
		if rec.Domain == "" {
			if d, ok := t.lookup(rec.Key.RemoteIP); ok {
				rec.Domain = d
			}
		}
	}

	out := make([]events.Event, 0, len(closeRecs)+len(connectRecs))
	sortRecords(closeRecs)
	for _, rec := range closeRecs {
		out = append(out, t.eventFor(rec, events.Close, now))
	}
	sortRecords(connectRecs)
	for _, rec := range connectRecs {
		out = append(out, t.eventFor(rec, events.Connect, now))
	}
	return out
}

// Drain emits one synthetic close for every live flow, in the group order of
// a normal cycle. Used on shutdown and on fatal errors.
func (t *Tracker) Drain() []events.Event {
	now := t.now()
	recs := make([]*Record, 0, len(t.live))
	for _, rec := range t.live {
		recs = append(recs, t.closeFlow(rec, now))
	}
	sortRecords(recs)
	out := make([]events.Event, 0, len(recs))
	for _, rec := range recs {
		out = append(out, t.eventFor(rec, events.Close, now))
	}
	return out
}

// StatsEvent builds a stats record carrying the aggregate counters; the
// caller fills in alert totals and error counters before emission.
func (t *Tracker) StatsEvent(stats events.Stats) events.Event {
	stats.Connects = t.connects
	stats.Closes = t.closes
	stats.Active = len(t.live)
	stats.PerProvider = t.ActivePerProvider()
	return events.Event{
		TS:    t.now(),
		RunID: t.runID,
		Event: events.StatsEvent,
		Stats: &stats,
	}
}

// ActiveTotal returns the live flow count.
func (t *Tracker) ActiveTotal() int { return len(t.live) }

// ActivePerProvider returns live flow counts keyed by provider.
func (t *Tracker) ActivePerProvider() map[string]uint64 {
	out := make(map[string]uint64)
	for _, rec := range t.live {
		out[rec.Provider]++
	}
	return out
}

// LiveFlows returns the current records for alert evaluation. Callers must
// not retain or mutate them.
func (t *Tracker) LiveFlows() []*Record {
	out := make([]*Record, 0, len(t.live))
	for _, rec := range t.live {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// Totals returns cumulative connect and close counts for the session row.
func (t *Tracker) Totals() (connects, closes uint64) {
	return t.connects, t.closes
}

func (t *Tracker) known(key flow.Key) bool {
	if _, ok := t.live[key]; ok {
		return true
	}
	if _, ok := t.closed[key]; ok {
		return true
	}
	_, ok := t.prevClosed[key]
	return ok
}

func (t *Tracker) openFlow(key flow.Key, pid int32, procs map[int32]procmatch.Info, now time.Time) *Record {
	rec := &Record{
		Key:             key,
		RemoteIsPrivate: flow.RemoteIsPrivate(key.RemoteIP),
		FirstSeen:       now,
		LastSeen:        now,
		State:           StateEstablished,
	}
	t.stampProcess(rec, pid, procs)
	if d, ok := t.lookup(key.RemoteIP); ok {
		rec.Domain = d
	}
	rec.Provider = t.classify(rec)
	t.live[key] = rec
	t.connects++
	t.perProvider[rec.Provider]++
	return rec
}

func (t *Tracker) closeFlow(rec *Record, now time.Time) *Record {
	rec.State = StateClosed
	rec.LastSeen = now
	delete(t.live, rec.Key)
	t.closed[rec.Key] = rec
	t.closes++
	return rec
}

func (t *Tracker) stampProcess(rec *Record, pid int32, procs map[int32]procmatch.Info) {
	rec.PID = pid
	if info, ok := procs[pid]; ok {
		rec.Comm = info.Comm
		rec.Cmdline = info.Cmdline
	}
}

// classify assigns the provider label once, at connect. The label is stable
// for the flow's lifetime even if the domain resolves later.
func (t *Tracker) classify(rec *Record) string {
	if provider, ok := t.taxonomy.Classify(rec.Comm, rec.Cmdline, rec.Domain); ok {
		return provider
	}
	if rec.RemoteIsPrivate {
		return configx.ProviderLocal
	}
	return configx.ProviderUnknown
}

func (t *Tracker) eventFor(rec *Record, typ events.Type, now time.Time) events.Event {
	ev := events.Event{
		TS:              now,
		RunID:           t.runID,
		Event:           typ,
		Provider:        rec.Provider,
		PID:             rec.PID,
		Comm:            rec.Comm,
		Cmdline:         rec.Cmdline,
		Proto:           rec.Key.Proto,
		LocalIP:         rec.Key.LocalIP,
		LocalPort:       rec.Key.LocalPort,
		RemoteIP:        rec.Key.RemoteIP,
		RemotePort:      rec.Key.RemotePort,
		Domain:          events.StrPtr(rec.Domain),
		RemoteIsPrivate: rec.RemoteIsPrivate,
		IPVersion:       rec.Key.IPVersion,
	}
	if typ == events.Close {
		d := now.Sub(rec.FirstSeen).Milliseconds()
		if d < 0 {
			d = 0
		}
		ev.DurationMS = events.Int64Ptr(d)
	}
	return ev
}

func sortRecords(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.PID != b.PID {
			return a.PID < b.PID
		}
		if a.Key.RemoteIP != b.Key.RemoteIP {
			return a.Key.RemoteIP < b.Key.RemoteIP
		}
		return a.Key.RemotePort < b.Key.RemotePort
	})
}
