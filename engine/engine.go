// Package engine composes the rano core behind a single facade: the polling
// loop that fuses process matching, socket enumeration, the optional packet
// tap and DNS cache into a tracked flow set, and drives the event sinks and
// alert engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ranolabs/rano/internal/alerts"
	"github.com/ranolabs/rano/internal/dnscache"
	"github.com/ranolabs/rano/internal/events"
	"github.com/ranolabs/rano/internal/packettap"
	"github.com/ranolabs/rano/internal/procmatch"
	"github.com/ranolabs/rano/internal/sink"
	"github.com/ranolabs/rano/internal/sockets"
	"github.com/ranolabs/rano/internal/store"
	"github.com/ranolabs/rano/internal/telemetry/metrics"
	"github.com/ranolabs/rano/internal/tracker"
)

// maxEnumFailures is the consecutive socket-enumeration failure budget;
// a single failure skips the cycle, exhausting the budget is fatal.
const maxEnumFailures = 3

// maxTapDrainPerCycle bounds the tap channel drain so a packet burst cannot
// stall the polling cadence.
const maxTapDrainPerCycle = 2048

// ErrEnumeration is returned when socket enumeration keeps failing.
var ErrEnumeration = errors.New("socket enumeration failing")

// Summary is the final JSON object printed at session end.
type Summary struct {
	RunID            string            `json:"run_id"`
	Started          time.Time         `json:"started"`
	DurationMS       int64             `json:"duration_ms"`
	Connects         uint64            `json:"connects"`
	Closes           uint64            `json:"closes"`
	PerProvider      map[string]uint64 `json:"per_provider,omitempty"`
	Alerts           uint64            `json:"alerts"`
	AlertsSuppressed uint64            `json:"alerts_suppressed"`
	Errors           map[string]uint64 `json:"errors,omitempty"`
	StoreDegraded    bool              `json:"store_degraded,omitempty"`
}

// Engine is one observation session. Construct with New, drive with Run.
type Engine struct {
	cfg   Config
	runID string

	matcher    *procmatch.Matcher
	enumerator *sockets.Enumerator
	dns        *dnscache.Cache
	tap        *packettap.Tap
	flows      *tracker.Tracker
	alerter    *alerts.Engine

	st        *store.Store
	storeSink *sink.Store
	sinks     *sink.Composite
	alertSink *sink.Alerts

	startedAt     time.Time
	steady        bool
	enumFailures  int
	errEnum       uint64
	configChanged atomic.Uint64
	perProvider   map[string]uint64

	mEvents      metrics.Counter
	mActive      metrics.Gauge
	mAlerts      metrics.Counter
	mCycleErrors metrics.Counter
}

// Option injects alternative observation sources (tests and the e2e
// harness).
type Option func(*sources)

type sources struct {
	procs    []procmatch.Option
	sockets  []sockets.Option
	resolver []dnscache.Option
}

// WithProcSource replaces the process table reader.
func WithProcSource(e procmatch.Enumerator) Option {
	return func(s *sources) { s.procs = append(s.procs, procmatch.WithEnumerator(e)) }
}

// WithSocketSource replaces the kernel socket table reader.
func WithSocketSource(src sockets.Source) Option {
	return func(s *sources) { s.sockets = append(s.sockets, sockets.WithSource(src)) }
}

// WithResolver replaces the blocking DNS resolver.
func WithResolver(r dnscache.ResolveFunc) Option {
	return func(s *sources) { s.resolver = append(s.resolver, dnscache.WithResolver(r)) }
}

// New wires a session from the resolved configuration. Alert pattern
// compilation failures are fatal; an unavailable store degrades.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.defaults()
	s := cfg.Settings

	var src sources
	for _, o := range opts {
		o(&src)
	}

	alerter, err := alerts.New(s.Alerts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		runID:       uuid.NewString(),
		matcher:     procmatch.New(s.Patterns, s.IncludeDescendants, src.procs...),
		enumerator:  sockets.New(s.IncludeUDP, s.IncludeListening, src.sockets...),
		dns:         dnscache.New(dnscache.Mode(s.DomainMode), s.DNSTimeout(), src.resolver...),
		alerter:     alerter,
		perProvider: make(map[string]uint64),
	}
	e.flows = tracker.New(e.runID, cfg.Taxonomy, e.dns.Lookup)
	e.alertSink = sink.NewAlerts(cfg.Stderr, s.Alerts.Bell)

	var outs []sink.Sink
	if s.JSONOutput {
		outs = append(outs, sink.NewJSONLine(cfg.Stdout))
	} else if s.TextOutput {
		outs = append(outs, sink.NewText(cfg.Stdout))
	}
	if s.StoreEnabled {
		if s.StorePath == "" {
			s.StorePath = store.DefaultPath()
		}
		st, err := store.Open(s.StorePath)
		if err != nil {
			cfg.Logger.Warn("event store unavailable; continuing without persistence", "path", s.StorePath, "err", err)
		} else {
			e.st = st
			e.storeSink = sink.NewStore(st)
			outs = append(outs, e.storeSink)
		}
	}
	e.sinks = sink.NewComposite(outs...)

	e.mEvents = cfg.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "rano", Subsystem: "events", Name: "emitted_total", Help: "Lifecycle events emitted", Labels: []string{"type"}}})
	e.mActive = cfg.Metrics.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "rano", Name: "active_flows", Help: "Currently tracked flows"}})
	e.mAlerts = cfg.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "rano", Subsystem: "alerts", Name: "fired_total", Help: "Alert firings", Labels: []string{"rule"}}})
	e.mCycleErrors = cfg.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "rano", Subsystem: "cycles", Name: "errors_total", Help: "Cycle errors by kind", Labels: []string{"kind"}}})
	return e, nil
}

// RunID returns the session identifier.
func (e *Engine) RunID() string { return e.runID }

// Run drives the polling loop until ctx is cancelled, --once completes, or a
// fatal error occurs. On exit every live flow receives a synthetic close and
// the session row is finalized.
func (e *Engine) Run(ctx context.Context) error {
	s := e.cfg.Settings
	e.startedAt = time.Now()

	if s.Banner && !s.JSONOutput {
		fmt.Fprintf(e.cfg.Stdout, "rano %s watching %v on %s (interval %s, dns %s)\n",
			e.runID[:8], s.Patterns, e.cfg.Host, s.Interval(), s.DomainMode)
	}

	if e.st != nil {
		err := e.st.BeginSession(store.Session{
			RunID: e.runID, StartTS: e.startedAt, Host: e.cfg.Host, User: e.cfg.User,
			Patterns: s.Patterns, DomainMode: string(s.DomainMode), Args: e.cfg.Args,
			IntervalMS: s.IntervalMS, StatsIntervalMS: s.StatsIntervalMS, Name: s.SessionName,
		})
		if err != nil {
			e.cfg.Logger.Warn("record session start", "err", err)
		}
	}

	e.dns.Start(ctx)
	defer e.dns.Close()

	if s.CaptureEnabled {
		tap, err := packettap.Open(s.CaptureDevice, e.cfg.Logger)
		if err != nil {
			e.cfg.Logger.Warn("packet tap unavailable; polling only", "err", err)
		} else {
			e.tap = tap
			e.tap.Start(ctx)
			defer e.tap.Close()
		}
	}

	if e.cfg.ConfigPath != "" {
		e.watchConfig(ctx, e.cfg.ConfigPath)
	}

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()
	lastStats := e.startedAt

	var runErr error
loop:
	for {
		if err := e.cycle(ctx, &lastStats); err != nil {
			runErr = err
			break loop
		}
		if s.Once {
			break loop
		}
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	e.shutdown()
	return runErr
}

// cycle runs one poll -> track -> alert -> sink pass.
func (e *Engine) cycle(ctx context.Context, lastStats *time.Time) error {
	signals := e.drainTap()

	procs, err := e.matcher.Snapshot(ctx)
	if err != nil {
		return e.enumerationFailed(err)
	}
	pids := make(map[int32]struct{}, len(procs))
	for pid := range procs {
		pids[pid] = struct{}{}
	}
	obs, err := e.enumerator.Snapshot(ctx, pids)
	if err != nil {
		return e.enumerationFailed(err)
	}
	e.enumFailures = 0
	e.steady = true

	evs := e.flows.Advance(obs, procs, signals)

	// Alert evaluation is synchronous between event construction and event
	// write so the alert flag is correct at emission time.
	firings := e.alerter.EvaluateCycle(evs, e.flows.ActiveTotal(), e.flows.ActivePerProvider(), e.flows.LiveFlows())

	if time.Since(*lastStats) >= e.cfg.Settings.StatsInterval() {
		evs = append(evs, e.flows.StatsEvent(e.statsCounters()))
		*lastStats = time.Now()
	}

	e.emit(evs, firings)
	return nil
}

// enumerationFailed applies the failure budget: before steady state any
// failure is fatal, afterwards a cycle is skipped until the consecutive
// budget runs out.
func (e *Engine) enumerationFailed(err error) error {
	e.errEnum++
	e.enumFailures++
	e.mCycleErrors.Inc(1, "enumeration")
	if !e.steady || e.enumFailures >= maxEnumFailures {
		return fmt.Errorf("%w: %v", ErrEnumeration, err)
	}
	e.cfg.Logger.Warn("enumeration failed; skipping cycle", "attempt", e.enumFailures, "err", err)
	return nil
}

func (e *Engine) drainTap() []packettap.Signal {
	if e.tap == nil {
		return nil
	}
	var out []packettap.Signal
	for len(out) < maxTapDrainPerCycle {
		select {
		case sig := <-e.tap.Signals():
			out = append(out, sig)
		default:
			return out
		}
	}
	return out
}

func (e *Engine) emit(evs []events.Event, firings []alerts.Firing) {
	for i := range evs {
		e.mEvents.Inc(1, string(evs[i].Event))
		if evs[i].Event == events.Connect {
			e.perProvider[evs[i].Provider]++
		}
	}
	e.mActive.Set(float64(e.flows.ActiveTotal()))
	for _, f := range firings {
		e.mAlerts.Inc(1, string(f.Rule))
	}

	if err := e.sinks.WriteEvents(evs); err != nil {
		e.mCycleErrors.Inc(1, "sink")
		e.cfg.Logger.Warn("event write failed; batch carried to next cycle", "err", err)
	}
	if len(firings) > 0 {
		if err := e.alertSink.WriteFirings(firings); err != nil {
			e.cfg.Logger.Warn("alert write failed", "err", err)
		}
	}
}

func (e *Engine) statsCounters() events.Stats {
	fired, suppressed := e.alerter.Totals()
	st := events.Stats{
		Alerts:           fired,
		AlertsSuppressed: suppressed,
		Errors:           e.errorCounters(),
	}
	if e.storeSink != nil {
		st.StoreDegraded = e.storeSink.Degraded()
	}
	return st
}

func (e *Engine) errorCounters() map[string]uint64 {
	out := make(map[string]uint64)
	if e.errEnum > 0 {
		out["enumeration"] = e.errEnum
	}
	if e.storeSink != nil {
		if n := e.storeSink.Retries(); n > 0 {
			out["store_retries"] = n
		}
	}
	if e.tap != nil {
		if n := e.tap.Dropped(); n > 0 {
			out["tap_drops"] = n
		}
	}
	if n := e.dns.Snapshot().Negatives; n > 0 {
		out["dns_negative"] = n
	}
	if n := e.configChanged.Load(); n > 0 {
		out["config_changed_on_disk"] = n
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// shutdown emits synthetic closes for live flows, flushes the store, and
// prints the final summary.
func (e *Engine) shutdown() {
	evs := e.flows.Drain()
	firings := e.alerter.EvaluateCycle(evs, 0, nil, nil)
	evs = append(evs, e.flows.StatsEvent(e.statsCounters()))
	e.emit(evs, firings)

	if e.storeSink != nil {
		if err := e.storeSink.Flush(); err != nil {
			e.cfg.Logger.Warn("final store flush failed", "pending", e.storeSink.Pending(), "err", err)
		}
	}
	connects, closes := e.flows.Totals()
	if e.st != nil {
		if err := e.st.FinalizeSession(e.runID, time.Now(), connects, closes); err != nil {
			e.cfg.Logger.Warn("finalize session", "err", err)
		}
		_ = e.st.Close()
	}

	fired, suppressed := e.alerter.Totals()
	summary := Summary{
		RunID:            e.runID,
		Started:          e.startedAt,
		DurationMS:       time.Since(e.startedAt).Milliseconds(),
		Connects:         connects,
		Closes:           closes,
		PerProvider:      e.perProvider,
		Alerts:           fired,
		AlertsSuppressed: suppressed,
		Errors:           e.errorCounters(),
	}
	if e.storeSink != nil {
		summary.StoreDegraded = e.storeSink.Degraded()
	}
	b, err := json.Marshal(summary)
	if err == nil {
		fmt.Fprintln(e.cfg.Stdout, string(b))
	}
}

// watchConfig logs when the applied config file changes on disk. The
// effective configuration is frozen for the session; the notice tells the
// operator a restart is needed to pick the change up.
func (e *Engine) watchConfig(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return
	}
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					e.configChanged.Add(1)
					e.cfg.Logger.Info("config file changed on disk; effective config is frozen until restart", "path", path)
				}
			case <-watcher.Errors:
			}
		}
	}()
}
