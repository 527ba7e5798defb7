package packettap

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ranolabs/rano/internal/flow"
)

func tcpPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, syn, ack, fin, rst bool) gopacket.Packet {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		SYN:     syn, ACK: ack, FIN: fin, RST: rst,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp))
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeIPv4, gopacket.Default)
}

type scriptedSource struct {
	packets []gopacket.Packet
	idx     int
	err     error
}

func (s *scriptedSource) NextPacket() (gopacket.Packet, error) {
	if s.idx < len(s.packets) {
		p := s.packets[s.idx]
		s.idx++
		return p, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, errors.New("exhausted")
}

func collect(t *testing.T, tap *Tap, n int) []Signal {
	t.Helper()
	out := make([]Signal, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case s := <-tap.Signals():
			out = append(out, s)
		case <-timeout:
			t.Fatalf("got %d signals, want %d", len(out), n)
		}
	}
	return out
}

func TestClassifyOutboundSYN(t *testing.T) {
	sig, ok := classify(tcpPacket(t, "192.168.1.5", "10.0.0.5", 50001, 443, true, false, false, false))
	require.True(t, ok)
	assert.Equal(t, SYN, sig.Kind)
	assert.Equal(t, "192.168.1.5", sig.Key.LocalIP)
	assert.Equal(t, uint16(443), sig.Key.RemotePort)
}

func TestClassifySYNACKReversesOrientation(t *testing.T) {
	// SYN-ACK travels remote -> local; the key must still be local-first.
	sig, ok := classify(tcpPacket(t, "10.0.0.5", "192.168.1.5", 443, 50001, true, true, false, false))
	require.True(t, ok)
	assert.Equal(t, SYNACK, sig.Kind)
	assert.Equal(t, "192.168.1.5", sig.Key.LocalIP)
	assert.Equal(t, uint16(50001), sig.Key.LocalPort)
	assert.Equal(t, "10.0.0.5", sig.Key.RemoteIP)
}

func TestClassifyFINAndRST(t *testing.T) {
	sig, ok := classify(tcpPacket(t, "192.168.1.5", "10.0.0.5", 50001, 443, false, true, true, false))
	require.True(t, ok)
	assert.Equal(t, FIN, sig.Kind)

	sig, ok = classify(tcpPacket(t, "192.168.1.5", "10.0.0.5", 50001, 443, false, false, false, true))
	require.True(t, ok)
	assert.Equal(t, RST, sig.Kind)
}

func TestClassifyIgnoresPlainAck(t *testing.T) {
	_, ok := classify(tcpPacket(t, "192.168.1.5", "10.0.0.5", 50001, 443, false, true, false, false))
	assert.False(t, ok)
}

func TestRunEmitsSignalsThenStopsOnError(t *testing.T) {
	src := &scriptedSource{
		packets: []gopacket.Packet{
			tcpPacket(t, "192.168.1.5", "10.0.0.5", 50001, 443, true, false, false, false),
			tcpPacket(t, "192.168.1.5", "10.0.0.5", 50001, 443, false, true, true, false),
		},
		err: errors.New("device gone"),
	}
	tap := newTap(src, nil, nil)
	tap.Start(context.Background())

	sigs := collect(t, tap, 2)
	assert.Equal(t, SYN, sigs[0].Kind)
	assert.Equal(t, FIN, sigs[1].Kind)

	select {
	case <-tap.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("capture loop did not stop after error")
	}
}

func TestPushDropsOldestOnOverflow(t *testing.T) {
	tap := newTap(&scriptedSource{}, nil, nil)
	base := flow.Key{Proto: flow.TCP, LocalIP: "1.1.1.1", RemoteIP: "2.2.2.2", IPVersion: 4}
	for i := 0; i < channelDepth+10; i++ {
		tap.push(Signal{Key: base, Kind: SYN, TS: time.Unix(int64(i), 0)})
	}
	assert.Equal(t, uint64(10), tap.Dropped())
	first := <-tap.Signals()
	// The ten oldest were evicted.
	assert.Equal(t, time.Unix(10, 0), first.TS)
}

func TestReverse(t *testing.T) {
	k := flow.Key{Proto: flow.TCP, LocalIP: "a", LocalPort: 1, RemoteIP: "b", RemotePort: 2, IPVersion: 4}
	r := Reverse(k)
	assert.Equal(t, "b", r.LocalIP)
	assert.Equal(t, k, Reverse(r))
}
