package sink

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ranolabs/rano/internal/events"
)

// Text renders human-readable per-interval deltas to the writer.
type Text struct {
	w io.Writer
}

// NewText builds the stdout text sink.
func NewText(w io.Writer) *Text {
	return &Text{w: w}
}

// WriteEvents implements Sink.
func (t *Text) WriteEvents(evs []events.Event) error {
	for i := range evs {
		ev := &evs[i]
		var line string
		switch ev.Event {
		case events.StatsEvent:
			line = statsLine(ev)
		case events.Close:
			line = fmt.Sprintf("%s close   %-10s %s[%d] %s %s:%d -> %s:%d%s duration=%dms",
				ev.TS.Format("15:04:05"), ev.Provider, ev.Comm, ev.PID,
				ev.Proto, ev.LocalIP, ev.LocalPort, ev.RemoteIP, ev.RemotePort,
				domainSuffix(ev), derefInt64(ev.DurationMS))
		default:
			line = fmt.Sprintf("%s connect %-10s %s[%d] %s %s:%d -> %s:%d%s",
				ev.TS.Format("15:04:05"), ev.Provider, ev.Comm, ev.PID,
				ev.Proto, ev.LocalIP, ev.LocalPort, ev.RemoteIP, ev.RemotePort,
				domainSuffix(ev))
		}
		if ev.Alert {
			line += "  [ALERT]"
		}
		if _, err := fmt.Fprintln(t.w, line); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink.
func (t *Text) Close() error { return nil }

// Name implements Sink.
func (t *Text) Name() string { return "text" }

func statsLine(ev *events.Event) string {
	if ev.Stats == nil {
		return fmt.Sprintf("%s stats", ev.TS.Format("15:04:05"))
	}
	parts := make([]string, 0, len(ev.Stats.PerProvider))
	for _, p := range sortedKeys(ev.Stats.PerProvider) {
		parts = append(parts, fmt.Sprintf("%s:%d", p, ev.Stats.PerProvider[p]))
	}
	line := fmt.Sprintf("%s stats   %d active connects=%d closes=%d",
		ev.TS.Format("15:04:05"), ev.Stats.Active, ev.Stats.Connects, ev.Stats.Closes)
	if len(parts) > 0 {
		line += " " + strings.Join(parts, " ")
	}
	if ev.Stats.Alerts > 0 || ev.Stats.AlertsSuppressed > 0 {
		line += fmt.Sprintf(" alerts=%d suppressed=%d", ev.Stats.Alerts, ev.Stats.AlertsSuppressed)
	}
	if ev.Stats.StoreDegraded {
		line += " store=degraded"
	}
	return line
}

func domainSuffix(ev *events.Event) string {
	if ev.Domain == nil {
		return ""
	}
	return " (" + *ev.Domain + ")"
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func sortedKeys(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
