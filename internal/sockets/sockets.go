// Package sockets snapshots the kernel TCP/UDP socket tables and associates
// each socket with its owning pid.
package sockets

import (
	"context"
	"fmt"
	"syscall"

	gopsnet "github.com/shirou/gopsutil/v4/net"

	"github.com/ranolabs/rano/internal/flow"
)

// Source lists current connections with owning pids. Injectable for tests.
type Source func(ctx context.Context) ([]gopsnet.ConnectionStat, error)

// Enumerator filters raw socket tables down to attributable flow
// observations.
type Enumerator struct {
	includeUDP       bool
	includeListening bool
	source           Source
}

// Option customizes an Enumerator.
type Option func(*Enumerator)

// WithSource replaces the kernel table reader (tests).
func WithSource(s Source) Option {
	return func(e *Enumerator) { e.source = s }
}

// New builds an enumerator. UDP flows are included only when includeUDP is
// set; sockets without a remote endpoint only when includeListening is set.
func New(includeUDP, includeListening bool, opts ...Option) *Enumerator {
	e := &Enumerator{
		includeUDP:       includeUDP,
		includeListening: includeListening,
		source:           readInetConnections,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Snapshot returns the observations for sockets owned by pids in the matched
// set. A partial table read surfaces as an absent socket this cycle, which
// poll-based observation accepts.
func (e *Enumerator) Snapshot(ctx context.Context, pids map[int32]struct{}) ([]flow.Observation, error) {
	conns, err := e.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("read socket tables: %w", err)
	}
	out := make([]flow.Observation, 0, len(conns))
	for _, c := range conns {
		if c.Pid == 0 {
			continue
		}
		if _, ok := pids[c.Pid]; !ok {
			continue
		}
		var proto flow.Proto
		switch c.Type {
		case syscall.SOCK_STREAM:
			proto = flow.TCP
		case syscall.SOCK_DGRAM:
			if !e.includeUDP {
				continue
			}
			proto = flow.UDP
		default:
			continue
		}
		listening := c.Status == "LISTEN" || c.Raddr.IP == "" || (c.Raddr.Port == 0 && proto == flow.TCP)
		if listening && !e.includeListening {
			continue
		}
		version := 4
		if c.Family == syscall.AF_INET6 {
			version = 6
		}
		out = append(out, flow.Observation{
			Key: flow.Key{
				Proto:      proto,
				LocalIP:    c.Laddr.IP,
				LocalPort:  uint16(c.Laddr.Port),
				RemoteIP:   c.Raddr.IP,
				RemotePort: uint16(c.Raddr.Port),
				IPVersion:  version,
			},
			PID:         c.Pid,
			SocketState: c.Status,
		})
	}
	return out, nil
}

// readInetConnections reads tcp, tcp6, udp and udp6 tables with the
// socket-inode to pid association the OS exposes.
func readInetConnections(ctx context.Context) ([]gopsnet.ConnectionStat, error) {
	return gopsnet.ConnectionsWithContext(ctx, "inet")
}
