package sockets

import (
	"context"
	"syscall"
	"testing"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranolabs/rano/internal/flow"
)

func fixedSource(conns []gopsnet.ConnectionStat) Source {
	return func(context.Context) ([]gopsnet.ConnectionStat, error) { return conns, nil }
}

var sampleConns = []gopsnet.ConnectionStat{
	{ // established tcp4, matched pid
		Family: syscall.AF_INET, Type: syscall.SOCK_STREAM, Pid: 100, Status: "ESTABLISHED",
		Laddr: gopsnet.Addr{IP: "192.168.1.5", Port: 50001},
		Raddr: gopsnet.Addr{IP: "10.0.0.5", Port: 443},
	},
	{ // listening tcp4, matched pid
		Family: syscall.AF_INET, Type: syscall.SOCK_STREAM, Pid: 100, Status: "LISTEN",
		Laddr: gopsnet.Addr{IP: "0.0.0.0", Port: 8080},
	},
	{ // udp4, matched pid
		Family: syscall.AF_INET, Type: syscall.SOCK_DGRAM, Pid: 100, Status: "NONE",
		Laddr: gopsnet.Addr{IP: "192.168.1.5", Port: 50002},
		Raddr: gopsnet.Addr{IP: "8.8.8.8", Port: 53},
	},
	{ // tcp6, unmatched pid
		Family: syscall.AF_INET6, Type: syscall.SOCK_STREAM, Pid: 999, Status: "ESTABLISHED",
		Laddr: gopsnet.Addr{IP: "::1", Port: 50003},
		Raddr: gopsnet.Addr{IP: "2001:db8::1", Port: 443},
	},
	{ // kernel-owned socket, no pid association
		Family: syscall.AF_INET, Type: syscall.SOCK_STREAM, Pid: 0, Status: "TIME_WAIT",
		Laddr: gopsnet.Addr{IP: "192.168.1.5", Port: 50004},
		Raddr: gopsnet.Addr{IP: "10.0.0.9", Port: 443},
	},
}

func pidSet(pids ...int32) map[int32]struct{} {
	set := make(map[int32]struct{}, len(pids))
	for _, p := range pids {
		set[p] = struct{}{}
	}
	return set
}

func TestSnapshotDefaultExcludesUDPAndListening(t *testing.T) {
	e := New(false, false, WithSource(fixedSource(sampleConns)))
	obs, err := e.Snapshot(context.Background(), pidSet(100))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, flow.TCP, obs[0].Key.Proto)
	assert.Equal(t, "10.0.0.5", obs[0].Key.RemoteIP)
	assert.Equal(t, uint16(443), obs[0].Key.RemotePort)
	assert.Equal(t, 4, obs[0].Key.IPVersion)
	assert.Equal(t, int32(100), obs[0].PID)
}

func TestSnapshotIncludeUDP(t *testing.T) {
	e := New(true, false, WithSource(fixedSource(sampleConns)))
	obs, err := e.Snapshot(context.Background(), pidSet(100))
	require.NoError(t, err)
	require.Len(t, obs, 2)
	protos := map[flow.Proto]bool{}
	for _, o := range obs {
		protos[o.Key.Proto] = true
	}
	assert.True(t, protos[flow.UDP])
}

func TestSnapshotIncludeListening(t *testing.T) {
	e := New(false, true, WithSource(fixedSource(sampleConns)))
	obs, err := e.Snapshot(context.Background(), pidSet(100))
	require.NoError(t, err)
	assert.Len(t, obs, 2)
}

func TestSnapshotFiltersByPidSet(t *testing.T) {
	e := New(true, true, WithSource(fixedSource(sampleConns)))
	obs, err := e.Snapshot(context.Background(), pidSet(999))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 6, obs[0].Key.IPVersion)
}
