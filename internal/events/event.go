// Package events defines the lifecycle event record the tracker emits and
// every sink consumes. Events are immutable once constructed.
package events

import (
	"time"

	"github.com/ranolabs/rano/internal/flow"
)

// Type discriminates lifecycle events.
type Type string

const (
	Connect    Type = "connect"
	Close      Type = "close"
	StatsEvent Type = "stats"
)

// Stats carries the aggregate counters attached to a stats event.
type Stats struct {
	Connects         uint64            `json:"connects"`
	Closes           uint64            `json:"closes"`
	Active           int               `json:"active"`
	PerProvider      map[string]uint64 `json:"per_provider,omitempty"`
	Alerts           uint64            `json:"alerts"`
	AlertsSuppressed uint64            `json:"alerts_suppressed"`
	Errors           map[string]uint64 `json:"errors,omitempty"`
	StoreDegraded    bool              `json:"store_degraded,omitempty"`
}

// Event is one append-only record. JSON field order follows the column order
// of the event store; struct declaration order is the serialization order.
// Domain and DurationMS are pointers so inapplicable columns serialize as
// null. The Stats pointer is set only on stats events.
type Event struct {
	TS              time.Time  `json:"ts"`
	RunID           string     `json:"run_id"`
	Event           Type       `json:"event"`
	Provider        string     `json:"provider"`
	PID             int32      `json:"pid"`
	Comm            string     `json:"comm"`
	Cmdline         string     `json:"cmdline"`
	Proto           flow.Proto `json:"proto"`
	LocalIP         string     `json:"local_ip"`
	LocalPort       uint16     `json:"local_port"`
	RemoteIP        string     `json:"remote_ip"`
	RemotePort      uint16     `json:"remote_port"`
	Domain          *string    `json:"domain"`
	RemoteIsPrivate bool       `json:"remote_is_private"`
	IPVersion       int        `json:"ip_version"`
	DurationMS      *int64     `json:"duration_ms"`
	Alert           bool       `json:"alert"`
	Stats           *Stats     `json:"stats,omitempty"`
}

// DomainOrEmpty returns the resolved domain or "".
func (e *Event) DomainOrEmpty() string {
	if e.Domain == nil {
		return ""
	}
	return *e.Domain
}

// StrPtr returns a pointer to s, or nil when s is empty. Events use it so an
// unresolved domain serializes as null rather than "".
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }
