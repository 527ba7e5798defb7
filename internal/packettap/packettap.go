// Package packettap passively captures TCP connection establishment and
// teardown frames to supplement poll-based observation. The tap is optional:
// when the capture device cannot be opened the engine continues on polling
// alone, and a capture error mid-session disables the tap for the remainder
// of the session.
package packettap

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/ranolabs/rano/internal/flow"
)

// Kind classifies a captured TCP control frame.
type Kind int

const (
	SYN Kind = iota
	SYNACK
	FIN
	RST
)

func (k Kind) String() string {
	switch k {
	case SYN:
		return "SYN"
	case SYNACK:
		return "SYN_ACK"
	case FIN:
		return "FIN"
	case RST:
		return "RST"
	}
	return "UNKNOWN"
}

// Signal is one raw tap event handed to the tracker. The key is oriented
// with the presumed-local endpoint first; FIN/RST direction is ambiguous so
// the tracker also checks the reversed key.
type Signal struct {
	TS   time.Time
	Key  flow.Key
	Kind Kind
}

const (
	channelDepth = 1024
	snapLen      = 96
	bpfFilter    = "tcp[tcpflags] & (tcp-syn|tcp-fin|tcp-rst) != 0"
)

// PacketSource yields captured packets. Injectable for tests.
type PacketSource interface {
	NextPacket() (gopacket.Packet, error)
}

// Tap owns the capture handle and the bounded signal channel. On overflow
// the oldest signal is discarded and a counter incremented.
type Tap struct {
	source  PacketSource
	handle  *pcap.Handle
	ch      chan Signal
	logger  *slog.Logger
	dropped atomic.Uint64
	done    chan struct{}
}

// Open starts a passive capture on the device. Requires elevated capability;
// the caller treats an error here as "continue with polling only".
func Open(device string, logger *slog.Logger) (*Tap, error) {
	handle, err := pcap.OpenLive(device, snapLen, false, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("open capture on %s: %w", device, err)
	}
	if err := handle.SetBPFFilter(bpfFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set capture filter: %w", err)
	}
	src := gopacket.NewPacketSource(handle, handle.LinkType())
	src.NoCopy = true
	return newTap(src, handle, logger), nil
}

func newTap(source PacketSource, handle *pcap.Handle, logger *slog.Logger) *Tap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tap{
		source: source,
		handle: handle,
		ch:     make(chan Signal, channelDepth),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the capture goroutine.
func (t *Tap) Start(ctx context.Context) {
	go t.run(ctx)
}

// Signals is the bounded channel the tracker drains each cycle.
func (t *Tap) Signals() <-chan Signal { return t.ch }

// Dropped returns the count of signals discarded on overflow.
func (t *Tap) Dropped() uint64 { return t.dropped.Load() }

// Done is closed when the capture loop has exited (error or shutdown).
func (t *Tap) Done() <-chan struct{} { return t.done }

// Close releases the capture handle. Safe to call after the loop exits.
func (t *Tap) Close() {
	if t.handle != nil {
		t.handle.Close()
	}
}

func (t *Tap) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		packet, err := t.source.NextPacket()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			if ctx.Err() == nil {
				t.logger.Warn("packet capture failed; tap disabled for this session", "err", err)
			}
			return
		}
		if sig, ok := classify(packet); ok {
			t.push(sig)
		}
	}
}

func (t *Tap) push(sig Signal) {
	select {
	case t.ch <- sig:
		return
	default:
	}
	// Full: evict the oldest, then try once more.
	select {
	case <-t.ch:
		t.dropped.Add(1)
	default:
	}
	select {
	case t.ch <- sig:
	default:
		t.dropped.Add(1)
	}
}

// classify maps a captured frame to a tap signal. SYN frames orient the key
// source-as-local; SYN-ACK frames are inbound so the key is reversed.
func classify(packet gopacket.Packet) (Signal, bool) {
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return Signal{}, false
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return Signal{}, false
	}

	var srcIP, dstIP string
	version := 4
	switch netLayer := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = netLayer.SrcIP.String(), netLayer.DstIP.String()
	case *layers.IPv6:
		srcIP, dstIP = netLayer.SrcIP.String(), netLayer.DstIP.String()
		version = 6
	default:
		return Signal{}, false
	}

	var kind Kind
	switch {
	case tcp.SYN && tcp.ACK:
		kind = SYNACK
	case tcp.SYN:
		kind = SYN
	case tcp.RST:
		kind = RST
	case tcp.FIN:
		kind = FIN
	default:
		return Signal{}, false
	}

	key := flow.Key{
		Proto:      flow.TCP,
		LocalIP:    srcIP,
		LocalPort:  uint16(tcp.SrcPort),
		RemoteIP:   dstIP,
		RemotePort: uint16(tcp.DstPort),
		IPVersion:  version,
	}
	if kind == SYNACK {
		key = Reverse(key)
	}

	ts := time.Now()
	if meta := packet.Metadata(); meta != nil && !meta.Timestamp.IsZero() {
		ts = meta.Timestamp
	}
	return Signal{TS: ts, Key: key, Kind: kind}, true
}

// Reverse swaps the local and remote endpoints of a key.
func Reverse(k flow.Key) flow.Key {
	return flow.Key{
		Proto:      k.Proto,
		LocalIP:    k.RemoteIP,
		LocalPort:  k.RemotePort,
		RemoteIP:   k.LocalIP,
		RemotePort: k.LocalPort,
		IPVersion:  k.IPVersion,
	}
}
