// Package alerts evaluates alert predicates against each cycle's events and
// live flows, with per-key cooldown suppression. Evaluation runs
// synchronously between event construction and event write so the alert flag
// is set at emission time.
package alerts

import (
	"fmt"
	"sort"
	"time"

	"github.com/gobwas/glob"

	"github.com/ranolabs/rano/internal/configx"
	"github.com/ranolabs/rano/internal/events"
	"github.com/ranolabs/rano/internal/tracker"
)

// Rule names an alert predicate.
type Rule string

const (
	RuleDomainWatch    Rule = "domain-watch"
	RuleMaxConnections Rule = "max-connections"
	RuleMaxPerProvider Rule = "max-per-provider"
	RuleDuration       Rule = "duration"
	RuleUnknownDomain  Rule = "unknown-domain"
)

// Firing is one alert that passed cooldown, handed to the alert sink.
type Firing struct {
	TS      time.Time
	Rule    Rule
	Subject string
	Message string
}

type cooldownKey struct {
	rule    Rule
	subject string
}

// Engine owns the alert state for one session; it resets at session start.
type Engine struct {
	settings configx.AlertSettings
	globs    []glob.Glob
	cooldown time.Duration
	now      func() time.Time

	lastFired  map[cooldownKey]time.Time
	alerts     uint64
	suppressed uint64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New compiles the configured domain globs and returns a fresh engine.
// A pattern that fails to compile is fatal at startup.
func New(settings configx.AlertSettings, opts ...Option) (*Engine, error) {
	e := &Engine{
		settings:  settings,
		cooldown:  settings.Cooldown(),
		now:       time.Now,
		lastFired: make(map[cooldownKey]time.Time),
	}
	for _, pattern := range settings.DomainGlobs {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile alert domain pattern %q: %w", pattern, err)
		}
		e.globs = append(e.globs, g)
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Totals returns the fired and suppressed counts.
func (e *Engine) Totals() (alerts, suppressed uint64) {
	return e.alerts, e.suppressed
}

// EvaluateCycle runs every enabled rule over the cycle's events and the
// post-cycle live set. Triggering events get their alert flag set in place;
// firings that survive cooldown are returned for the alert sink. With
// evaluation disabled it does nothing.
func (e *Engine) EvaluateCycle(evs []events.Event, liveTotal int, livePerProvider map[string]uint64, live []*tracker.Record) []Firing {
	if !e.settings.Enabled() {
		return nil
	}
	var firings []Firing

	lastConnect := -1
	lastConnectPerProvider := map[string]int{}
	for i := range evs {
		switch evs[i].Event {
		case events.Connect:
			lastConnect = i
			lastConnectPerProvider[evs[i].Provider] = i
			firings = e.evalDomainWatch(firings, &evs[i])
		case events.Close:
			firings = e.evalUnknownDomain(firings, &evs[i])
			firings = e.evalDurationAtClose(firings, &evs[i])
		}
	}

	// max-connections: the cycle's last connect is flagged as the
	// triggering event; while the count stays high the rule keeps
	// attempting and cooldown suppresses.
	if e.settings.MaxConnections > 0 && liveTotal >= e.settings.MaxConnections {
		if e.fire(RuleMaxConnections, "") {
			if lastConnect >= 0 {
				evs[lastConnect].Alert = true
			}
			firings = append(firings, Firing{
				TS: e.now(), Rule: RuleMaxConnections,
				Message: fmt.Sprintf("active connections %d >= %d", liveTotal, e.settings.MaxConnections),
			})
		}
	}

	if e.settings.MaxPerProvider > 0 {
		for _, provider := range sortedProviders(livePerProvider) {
			count := livePerProvider[provider]
			if provider == configx.ProviderLocal || count < uint64(e.settings.MaxPerProvider) {
				continue
			}
			if e.fire(RuleMaxPerProvider, provider) {
				if i, ok := lastConnectPerProvider[provider]; ok {
					evs[i].Alert = true
				}
				firings = append(firings, Firing{
					TS: e.now(), Rule: RuleMaxPerProvider, Subject: provider,
					Message: fmt.Sprintf("active %s connections %d >= %d", provider, count, e.settings.MaxPerProvider),
				})
			}
		}
	}

	// duration over live flows: a long-lived flow alerts while still open.
	if e.settings.DurationMS > 0 {
		threshold := time.Duration(e.settings.DurationMS) * time.Millisecond
		for _, rec := range live {
			if rec.Provider == configx.ProviderLocal {
				continue
			}
			alive := e.now().Sub(rec.FirstSeen)
			if alive < threshold {
				continue
			}
			subject := rec.Key.String()
			if e.fire(RuleDuration, subject) {
				firings = append(firings, Firing{
					TS: e.now(), Rule: RuleDuration, Subject: rec.Provider,
					Message: fmt.Sprintf("%s flow to %s open for %s", rec.Provider, rec.Key.RemoteIP, alive.Round(time.Millisecond)),
				})
			}
		}
	}

	return firings
}

func (e *Engine) evalDomainWatch(firings []Firing, ev *events.Event) []Firing {
	if len(e.globs) == 0 || ev.Provider == configx.ProviderLocal {
		return firings
	}
	domain := ev.DomainOrEmpty()
	if domain == "" {
		return firings
	}
	for _, g := range e.globs {
		if !g.Match(domain) {
			continue
		}
		if e.fire(RuleDomainWatch, domain) {
			ev.Alert = true
			firings = append(firings, Firing{
				TS: e.now(), Rule: RuleDomainWatch, Subject: domain,
				Message: fmt.Sprintf("watched domain %s contacted by %s (pid %d)", domain, ev.Comm, ev.PID),
			})
		}
		return firings
	}
	return firings
}

func (e *Engine) evalUnknownDomain(firings []Firing, ev *events.Event) []Firing {
	if !e.settings.UnknownDomain || ev.RemoteIsPrivate || ev.Provider == configx.ProviderLocal {
		return firings
	}
	if ev.Domain != nil {
		return firings
	}
	if e.fire(RuleUnknownDomain, ev.RemoteIP) {
		ev.Alert = true
		firings = append(firings, Firing{
			TS: e.now(), Rule: RuleUnknownDomain, Subject: ev.RemoteIP,
			Message: fmt.Sprintf("no resolvable domain for %s at close", ev.RemoteIP),
		})
	}
	return firings
}

// evalDurationAtClose flags the close event for a flow that exceeded the
// duration threshold. Flows already alerted while live stay flagged on close
// without counting a second firing.
func (e *Engine) evalDurationAtClose(firings []Firing, ev *events.Event) []Firing {
	if e.settings.DurationMS <= 0 || ev.DurationMS == nil || ev.Provider == configx.ProviderLocal {
		return firings
	}
	if *ev.DurationMS < int64(e.settings.DurationMS) {
		return firings
	}
	ev.Alert = true
	subject := fmt.Sprintf("%s %s:%d -> %s:%d (v%d)", ev.Proto, ev.LocalIP, ev.LocalPort, ev.RemoteIP, ev.RemotePort, ev.IPVersion)
	if _, seen := e.lastFired[cooldownKey{RuleDuration, subject}]; seen {
		return firings
	}
	if e.fire(RuleDuration, subject) {
		firings = append(firings, Firing{
			TS: e.now(), Rule: RuleDuration, Subject: ev.Provider,
			Message: fmt.Sprintf("%s flow to %s lasted %dms", ev.Provider, ev.RemoteIP, *ev.DurationMS),
		})
	}
	return firings
}

// fire applies cooldown for one (rule, subject) key. Returns true when the
// firing goes through; suppressed attempts are counted.
func (e *Engine) fire(rule Rule, subject string) bool {
	key := cooldownKey{rule, subject}
	now := e.now()
	if last, ok := e.lastFired[key]; ok && now.Sub(last) < e.cooldown {
		e.suppressed++
		return false
	}
	e.lastFired[key] = now
	e.alerts++
	return true
}

func sortedProviders(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
