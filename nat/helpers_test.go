package nat

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"go.universe.tf/natrouter/config"
	"go.universe.tf/natrouter/packet"
)

var (
	externalIP = netip.MustParseAddr("192.168.1.1")
	hostA      = netip.MustParseAddr("10.0.0.1")
	hostB      = netip.MustParseAddr("10.0.0.2")
	remoteIP   = netip.MustParseAddr("8.8.8.8")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTable(t *testing.T, mod func(*config.NATConfig)) (*Table, *fakeClock) {
	t.Helper()
	cfg := config.DefaultNAT()
	if mod != nil {
		mod(&cfg)
	}
	tbl, err := NewTable(cfg, externalIP)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	clk := newFakeClock()
	tbl.Now = clk.Now
	return tbl, clk
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) packet.IPv4 {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("serializing fixture: %v", err)
	}
	p, err := packet.ParseIPv4(buf.Bytes())
	if err != nil {
		t.Fatalf("fixture does not parse: %v", err)
	}
	return p
}

func ipLayer(src, dst netip.Addr, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
}

// tcpPacket builds an IPv4/TCP packet; flags uses the packet.Flag*
// bits.
func tcpPacket(t *testing.T, src netip.Addr, sport uint16, dst netip.Addr, dport uint16, flags packet.TCPFlags) packet.IPv4 {
	t.Helper()
	ip := ipLayer(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     1,
		Window:  65535,
		FIN:     flags.Has(packet.FlagFIN),
		SYN:     flags.Has(packet.FlagSYN),
		RST:     flags.Has(packet.FlagRST),
		ACK:     flags.Has(packet.FlagACK),
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, ip, tcp, gopacket.Payload("data"))
}

func echoPacket(t *testing.T, src, dst netip.Addr, typ uint8, id, seq uint16) packet.IPv4 {
	t.Helper()
	ip := ipLayer(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, 0),
		Id:       id,
		Seq:      seq,
	}
	return serialize(t, ip, icmp, gopacket.Payload("ping"))
}

// decode re-parses p with gopacket so rewritten fields are read back
// by a decoder independent of ours.
func decode(t *testing.T, p packet.IPv4) gopacket.Packet {
	t.Helper()
	pkt := gopacket.NewPacket(p, layers.LayerTypeIPv4, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		t.Fatalf("decoding rewritten packet: %v", errLayer.Error())
	}
	return pkt
}
