package arpcache

import (
	"bytes"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"go.universe.tf/natrouter/iface"
	"go.universe.tf/natrouter/packet"
)

var (
	lanMAC  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
	hostMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0xaa}
	lanIP   = netip.MustParseAddr("10.0.0.254")
	hostIP  = netip.MustParseAddr("10.0.0.1")
)

type sent struct {
	frame []byte
	iface string
}

type fakeSender struct {
	mu     sync.Mutex
	frames []sent
}

func (s *fakeSender) Send(frame []byte, ifName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sent{append([]byte(nil), frame...), ifName})
	return nil
}

func (s *fakeSender) take() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := s.frames
	s.frames = nil
	return ret
}

func newTestCache(t *testing.T, cfg Config, giveUp func(Queued)) (*Cache, *fakeSender, *time.Time) {
	t.Helper()
	ifs, err := iface.New(iface.Interface{
		Name:   "lan0",
		Addr:   lanIP,
		Prefix: netip.MustParsePrefix("10.0.0.0/24"),
		MAC:    lanMAC,
	})
	if err != nil {
		t.Fatal(err)
	}
	s := &fakeSender{}
	c := New(cfg, ifs, s, giveUp)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }
	return c, s, &now
}

func ipv4(t *testing.T, payload string) packet.IPv4 {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true},
		&layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      63,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    net.IP{8, 8, 8, 8},
			DstIP:    net.IP(hostIP.AsSlice()),
		},
		gopacket.Payload(payload))
	if err != nil {
		t.Fatal(err)
	}
	p, err := packet.ParseIPv4(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func arpFrame(t *testing.T, op uint16, srcMAC net.HardwareAddr, srcIP, dstIP netip.Addr) []byte {
	t.Helper()
	dst := broadcast
	if op == layers.ARPReply {
		dst = lanMAC
	}
	b, err := serializeARP(&layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeARP,
	}, &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP.AsSlice(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    dstIP.AsSlice(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func decodeARP(t *testing.T, frame []byte) (*layers.Ethernet, *layers.ARP) {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	a, _ := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if eth == nil || a == nil {
		t.Fatalf("not an ARP frame: %v", pkt)
	}
	return eth, a
}

func TestEnqueueSendsOneRequest(t *testing.T) {
	c, s, _ := newTestCache(t, Config{}, nil)
	c.Enqueue(hostIP, ipv4(t, "one"), "lan0")
	c.Enqueue(hostIP, ipv4(t, "two"), "lan0")

	frames := s.take()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want a single ARP request", len(frames))
	}
	eth, a := decodeARP(t, frames[0].frame)
	if !bytes.Equal(eth.DstMAC, broadcast) || !bytes.Equal(eth.SrcMAC, lanMAC) {
		t.Errorf("request framed %s -> %s", eth.SrcMAC, eth.DstMAC)
	}
	if a.Operation != layers.ARPRequest || !bytes.Equal(a.DstProtAddress, hostIP.AsSlice()) || !bytes.Equal(a.SourceProtAddress, lanIP.AsSlice()) {
		t.Errorf("bad request: %+v", a)
	}
	if got := c.queueLen(hostIP); got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
}

func TestReplyFlushesQueue(t *testing.T) {
	c, s, _ := newTestCache(t, Config{}, nil)
	p1, p2 := ipv4(t, "one"), ipv4(t, "two")
	c.Enqueue(hostIP, p1, "lan0")
	c.Enqueue(hostIP, p2, "lan0")
	s.take()

	if err := c.HandleARP(arpFrame(t, layers.ARPReply, hostMAC, hostIP, lanIP), "lan0"); err != nil {
		t.Fatal(err)
	}
	if mac, ok := c.Lookup(hostIP); !ok || !bytes.Equal(mac, hostMAC) {
		t.Fatalf("Lookup after reply = %s, %v", mac, ok)
	}
	frames := s.take()
	if len(frames) != 2 {
		t.Fatalf("flushed %d frames, want 2", len(frames))
	}
	for i, want := range []packet.IPv4{p1, p2} {
		eth, err := packet.ParseEthernet(frames[i].frame)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(eth.Dst(), hostMAC) || !bytes.Equal(eth.Src(), lanMAC) || eth.EtherType() != packet.EtherTypeIPv4 {
			t.Errorf("frame %d header %s -> %s type %#x", i, eth.Src(), eth.Dst(), eth.EtherType())
		}
		if !bytes.Equal(eth.Payload(), want) {
			t.Errorf("frame %d payload changed in the queue", i)
		}
	}
	if c.queueLen(hostIP) != 0 {
		t.Error("queue not emptied")
	}
}

func TestAnswersRequestsForOwnAddress(t *testing.T) {
	c, s, _ := newTestCache(t, Config{}, nil)
	if err := c.HandleARP(arpFrame(t, layers.ARPRequest, hostMAC, hostIP, lanIP), "lan0"); err != nil {
		t.Fatal(err)
	}
	frames := s.take()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want one reply", len(frames))
	}
	eth, a := decodeARP(t, frames[0].frame)
	if a.Operation != layers.ARPReply || !bytes.Equal(a.SourceHwAddress, lanMAC) || !bytes.Equal(a.DstHwAddress, hostMAC) {
		t.Errorf("bad reply: %+v", a)
	}
	if !bytes.Equal(eth.DstMAC, hostMAC) {
		t.Errorf("reply sent to %s", eth.DstMAC)
	}
	if _, ok := c.Lookup(hostIP); !ok {
		t.Error("requester not learned")
	}

	// Requests for other hosts are ignored.
	other := netip.MustParseAddr("10.0.0.9")
	if err := c.HandleARP(arpFrame(t, layers.ARPRequest, hostMAC, netip.MustParseAddr("10.0.0.2"), other), "lan0"); err != nil {
		t.Fatal(err)
	}
	if frames := s.take(); len(frames) != 0 {
		t.Errorf("answered a request for %s", other)
	}
}

func TestRetryThenGiveUp(t *testing.T) {
	var dropped []Queued
	c, s, now := newTestCache(t, Config{}, func(q Queued) { dropped = append(dropped, q) })
	p := ipv4(t, "lost")
	c.Enqueue(hostIP, p, "lan0")
	s.take()
	start := *now

	c.Sweep(start.Add(DefaultRetryInterval - time.Millisecond))
	if n := len(s.take()); n != 0 {
		t.Fatalf("retried early: %d frames", n)
	}
	for i := 2; i <= DefaultMaxRequests; i++ {
		c.Sweep(start.Add(time.Duration(i-1) * DefaultRetryInterval))
		if n := len(s.take()); n != 1 {
			t.Fatalf("attempt %d sent %d frames", i, n)
		}
	}
	if len(dropped) != 0 {
		t.Fatal("gave up before the last attempt timed out")
	}
	c.Sweep(start.Add(DefaultMaxRequests * DefaultRetryInterval))
	if len(dropped) != 1 || dropped[0].Iface != "lan0" || !bytes.Equal(dropped[0].Packet, p) {
		t.Fatalf("dropped = %+v", dropped)
	}
	if c.queueLen(hostIP) != 0 {
		t.Fatal("request survived give-up")
	}
}

func TestQueueBound(t *testing.T) {
	c, _, _ := newTestCache(t, Config{MaxQueued: 2}, nil)
	for i := 0; i < 5; i++ {
		c.Enqueue(hostIP, ipv4(t, "x"), "lan0")
	}
	if got := c.queueLen(hostIP); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}
}

func TestEntriesExpire(t *testing.T) {
	c, _, _ := newTestCache(t, Config{EntryTTL: 20 * time.Millisecond}, nil)
	c.Insert(hostIP, hostMAC)
	c.Static(lanIP, lanMAC)
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Lookup(hostIP); ok {
		t.Error("entry outlived its TTL")
	}
	if _, ok := c.Lookup(lanIP); !ok {
		t.Error("static entry expired")
	}
}

func TestEnqueueAfterResolutionSendsDirectly(t *testing.T) {
	c, s, _ := newTestCache(t, Config{}, nil)
	c.Insert(hostIP, hostMAC)
	c.Enqueue(hostIP, ipv4(t, "late"), "lan0")
	frames := s.take()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames", len(frames))
	}
	if eth, _ := packet.ParseEthernet(frames[0].frame); eth.EtherType() != packet.EtherTypeIPv4 {
		t.Fatal("expected the data packet, not an ARP request")
	}
}
