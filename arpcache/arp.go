package arpcache

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mostlygeek/arp"
	log "github.com/sirupsen/logrus"
)

var broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

var errNotEthernetIPv4 = errors.New("ARP packet is not Ethernet/IPv4")

func serializeARP(eth *layers.Ethernet, a *layers.ARP) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// request broadcasts an ARP who-has for ip on ifName.
func (c *Cache) request(ip netip.Addr, ifName string) {
	l := log.WithFields(log.Fields{"ip": ip, "iface": ifName})
	ifc, ok := c.ifaces.ByName(ifName)
	if !ok {
		l.Error("ARP request on unknown interface")
		return
	}
	frame, err := serializeARP(&layers.Ethernet{
		SrcMAC:       ifc.MAC,
		DstMAC:       broadcast,
		EthernetType: layers.EthernetTypeARP,
	}, &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   ifc.MAC,
		SourceProtAddress: ifc.Addr.AsSlice(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    ip.AsSlice(),
	})
	if err != nil {
		l.WithError(err).Error("Building ARP request")
		return
	}
	if err := c.send.Send(frame, ifName); err != nil {
		l.WithError(err).Warn("Sending ARP request")
		return
	}
	l.Debug("Sent ARP request")
}

// HandleARP processes an ARP frame received on ifName. Requests for
// the interface's address are answered; the sender of any request or
// reply addressed to us is learned and its queue flushed.
func (c *Cache) HandleARP(frame []byte, ifName string) error {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	a, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok {
		if errLayer := pkt.ErrorLayer(); errLayer != nil {
			return fmt.Errorf("decoding ARP: %w", errLayer.Error())
		}
		return errors.New("frame carries no ARP layer")
	}
	if a.AddrType != layers.LinkTypeEthernet || a.Protocol != layers.EthernetTypeIPv4 ||
		len(a.SourceHwAddress) != 6 || len(a.SourceProtAddress) != 4 || len(a.DstProtAddress) != 4 {
		return errNotEthernetIPv4
	}
	ifc, ok := c.ifaces.ByName(ifName)
	if !ok {
		return fmt.Errorf("ARP on unknown interface %q", ifName)
	}

	senderIP := netip.AddrFrom4([4]byte(a.SourceProtAddress))
	targetIP := netip.AddrFrom4([4]byte(a.DstProtAddress))
	senderMAC := net.HardwareAddr(append([]byte(nil), a.SourceHwAddress...))
	if targetIP != ifc.Addr {
		return nil
	}
	c.Insert(senderIP, senderMAC)

	if a.Operation != layers.ARPRequest {
		return nil
	}
	reply, err := serializeARP(&layers.Ethernet{
		SrcMAC:       ifc.MAC,
		DstMAC:       senderMAC,
		EthernetType: layers.EthernetTypeARP,
	}, &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   ifc.MAC,
		SourceProtAddress: ifc.Addr.AsSlice(),
		DstHwAddress:      senderMAC,
		DstProtAddress:    senderIP.AsSlice(),
	})
	if err != nil {
		return err
	}
	return c.send.Send(reply, ifName)
}

// SeedFromHost copies the host's ARP table into the cache and returns
// how many entries were added.
func (c *Cache) SeedFromHost() int {
	n := 0
	for ipStr, macStr := range arp.Table() {
		ip, err := netip.ParseAddr(ipStr)
		if err != nil || !ip.Is4() {
			continue
		}
		mac, err := net.ParseMAC(macStr)
		if err != nil || isZero(mac) {
			continue
		}
		c.Insert(ip, mac)
		n++
	}
	log.WithField("entries", n).Info("Seeded ARP cache from host")
	return n
}

func isZero(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}
