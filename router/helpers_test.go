package router

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/time/rate"

	"go.universe.tf/natrouter/checksum"
	"go.universe.tf/natrouter/config"
	"go.universe.tf/natrouter/iface"
	"go.universe.tf/natrouter/nat"
	"go.universe.tf/natrouter/packet"
	"go.universe.tf/natrouter/route"
)

var (
	lanMAC   = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	wanMAC   = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	hostAMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xa1}
	gwMAC    = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xfe}

	lanIP     = netip.MustParseAddr("10.0.0.254")
	wanIP     = netip.MustParseAddr("192.168.1.1")
	gatewayIP = netip.MustParseAddr("192.168.1.254")
	hostA     = netip.MustParseAddr("10.0.0.1")
	hostB     = netip.MustParseAddr("10.0.0.2")
	remote    = netip.MustParseAddr("8.8.8.8")
)

type queued struct {
	dst   netip.Addr
	p     packet.IPv4
	iface string
}

type fakeResolver struct {
	known  map[netip.Addr]net.HardwareAddr
	queued []queued
	arps   int
}

func (f *fakeResolver) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	mac, ok := f.known[ip]
	return mac, ok
}

func (f *fakeResolver) Enqueue(dst netip.Addr, p packet.IPv4, ifName string) {
	f.queued = append(f.queued, queued{dst, p.Clone(), ifName})
}

func (f *fakeResolver) HandleARP(frame []byte, ifName string) error {
	f.arps++
	return nil
}

type sentFrame struct {
	frame []byte
	iface string
}

type fakeLink struct {
	sent []sentFrame
}

func (f *fakeLink) Send(frame []byte, ifName string) error {
	f.sent = append(f.sent, sentFrame{append([]byte(nil), frame...), ifName})
	return nil
}

func (f *fakeLink) take() []sentFrame {
	ret := f.sent
	f.sent = nil
	return ret
}

type harness struct {
	rt    *Router
	table *nat.Table
	arp   *fakeResolver
	link  *fakeLink
	clock time.Time
}

type harnessOpt func(*Config)

func withoutNAT() harnessOpt { return func(c *Config) { c.NAT = nil } }

func withRoutes(rs ...route.Route) harnessOpt {
	return func(c *Config) { c.Routes = route.New(rs...) }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	ifs, err := iface.New(
		iface.Interface{Name: "lan0", Addr: lanIP, Prefix: netip.MustParsePrefix("10.0.0.0/24"), MAC: lanMAC},
		iface.Interface{Name: "wan0", Addr: wanIP, Prefix: netip.MustParsePrefix("192.168.1.0/24"), MAC: wanMAC},
	)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		arp: &fakeResolver{known: map[netip.Addr]net.HardwareAddr{
			gatewayIP: gwMAC,
			hostA:     hostAMAC,
		}},
		link:  &fakeLink{},
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.table, err = nat.NewTable(config.DefaultNAT(), wanIP)
	if err != nil {
		t.Fatal(err)
	}
	h.table.Now = func() time.Time { return h.clock }

	cfg := Config{
		Routes: route.New(
			route.Route{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Interface: "lan0"},
			route.Route{Prefix: netip.MustParsePrefix("192.168.1.0/24"), Interface: "wan0"},
			route.Route{Prefix: netip.MustParsePrefix("0.0.0.0/0"), Gateway: gatewayIP, Interface: "wan0"},
		),
		Interfaces:        ifs,
		Resolver:          h.arp,
		Link:              h.link,
		NAT:               h.table,
		ExternalInterface: "wan0",
	}
	for _, o := range opts {
		o(&cfg)
	}
	if h.rt, err = New(cfg); err != nil {
		t.Fatal(err)
	}
	return h
}

func ipLayer(src, dst netip.Addr, ttl uint8, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Protocol: proto,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
}

func ethFrame(t *testing.T, dst net.HardwareAddr, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: hostAMAC, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, append([]gopacket.SerializableLayer{eth}, ls...)...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type tcpSpec struct {
	src, dst     netip.Addr
	sport, dport uint16
	ttl          uint8
	syn, ack     bool
}

func tcpFrame(t *testing.T, s tcpSpec) []byte {
	t.Helper()
	if s.ttl == 0 {
		s.ttl = 64
	}
	ip := ipLayer(s.src, s.dst, s.ttl, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.sport),
		DstPort: layers.TCPPort(s.dport),
		Seq:     100,
		SYN:     s.syn,
		ACK:     s.ack,
		Window:  1024,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return ethFrame(t, lanMAC, ip, tcp)
}

func echoFrame(t *testing.T, src, dst netip.Addr, ttl uint8, typ uint8, id, seq uint16) []byte {
	t.Helper()
	return ethFrame(t, lanMAC,
		ipLayer(src, dst, ttl, layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, 0), Id: id, Seq: seq},
		gopacket.Payload("abcdefgh"))
}

type decoded struct {
	eth  *layers.Ethernet
	ip   *layers.IPv4
	tcp  *layers.TCP
	icmp *layers.ICMPv4
	raw  packet.IPv4
}

func decodeFrame(t *testing.T, frame []byte) decoded {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	var d decoded
	d.eth, _ = pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	d.ip, _ = pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	d.tcp, _ = pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	d.icmp, _ = pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if d.eth == nil || d.ip == nil {
		t.Fatalf("sent frame is not Ethernet/IPv4: %v", pkt)
	}
	raw, err := packet.ParseIPv4(d.eth.Payload)
	if err != nil {
		t.Fatalf("sent packet does not parse: %v", err)
	}
	if !raw.ChecksumValid() {
		t.Error("sent packet has a bad IP checksum")
	}
	switch {
	case d.tcp != nil && !checksum.ValidTCP(raw.Src4(), raw.Dst4(), raw.Payload()):
		t.Error("sent packet has a bad TCP checksum")
	case d.icmp != nil && !checksum.Valid(raw.Payload()):
		t.Error("sent packet has a bad ICMP checksum")
	}
	d.raw = raw
	return d
}

func (h *harness) onlyFrame(t *testing.T, wantIface string) decoded {
	t.Helper()
	sent := h.link.take()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	if sent[0].iface != wantIface {
		t.Fatalf("frame sent on %s, want %s", sent[0].iface, wantIface)
	}
	return decodeFrame(t, sent[0].frame)
}

func ipOf(b net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(b.To4())
	return a
}

func withICMPLimit(r float64, burst int) harnessOpt {
	return func(c *Config) {
		c.ICMPRate = rate.Limit(r)
		c.ICMPBurst = burst
	}
}
