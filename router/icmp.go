package router

import (
	"net"
	"net/netip"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"go.universe.tf/natrouter/packet"
)

// ICMPTTL is the TTL of every message the router originates.
const ICMPTTL = 64

// errorQuote is how much of the offending packet past its IP header
// an error message carries.
const errorQuote = 8

// PortUnreachable answers p, a packet nobody will accept, with
// Destination Unreachable (port).
func (r *Router) PortUnreachable(p packet.IPv4) {
	r.sendError(p, packet.ICMPTypeDestUnreach, packet.ICMPCodePortUnreach, netip.Addr{})
}

// HostUnreachable answers p, a packet whose next hop never resolved,
// with Destination Unreachable (host).
func (r *Router) HostUnreachable(p packet.IPv4) {
	r.sendError(p, packet.ICMPTypeDestUnreach, packet.ICMPCodeHostUnreach, netip.Addr{})
}

// mayReport reports whether an ICMP error may be sent about p.
func (r *Router) mayReport(p packet.IPv4) bool {
	src := p.Src()
	if !src.IsGlobalUnicast() {
		return false
	}
	if r.ifaces.IsLocal(src) {
		return false
	}
	if p.Protocol() == packet.ProtocolICMP {
		msg, err := p.ICMP()
		if err != nil || msg.IsError() {
			return false
		}
	}
	return true
}

// errorBody returns the ICMP error message of type typ and code
// quoting orig's IP header and the first bytes of its payload. Short
// payloads are zero-padded so the quote has a fixed size.
func errorBody(orig packet.IPv4, typ, code uint8) ([]byte, error) {
	quote := make([]byte, orig.HeaderLen()+errorQuote)
	copy(quote, orig)

	var body icmp.MessageBody
	switch typ {
	case packet.ICMPTypeTimeExceeded:
		body = &icmp.TimeExceeded{Data: quote}
	default:
		body = &icmp.DstUnreach{Data: quote}
	}
	m := icmp.Message{Type: ipv4.ICMPType(typ), Code: int(code), Body: body}
	return m.Marshal(nil)
}

// echoReplyBody returns the reply to the echo request req.
func echoReplyBody(req packet.ICMP) ([]byte, error) {
	m := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{
			ID:   int(req.ID()),
			Seq:  int(req.Seq()),
			Data: req[packet.ICMPHeaderLen:],
		},
	}
	return m.Marshal(nil)
}

// ipv4Packet wraps an ICMP message in a fresh IPv4 header.
func ipv4Packet(src, dst netip.Addr, body []byte) (packet.IPv4, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ICMPTTL,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(body)); err != nil {
		return nil, err
	}
	return packet.ParseIPv4(buf.Bytes())
}

// sendError sends an ICMP error about orig back to its source. src
// is the address to send from; if invalid, the address of the
// interface facing the sender is used.
func (r *Router) sendError(orig packet.IPv4, typ, code uint8, src netip.Addr) {
	if !r.mayReport(orig) {
		return
	}
	if !r.limiter.Allow() {
		log.WithFields(log.Fields{"dst": orig.Src(), "type": typ, "code": code}).Debug("ICMP error rate limited")
		icmpLimited.Inc()
		return
	}
	body, err := errorBody(orig, typ, code)
	if err != nil {
		log.WithError(err).Error("Building ICMP error")
		return
	}
	r.emit(body, src, orig.Src(), typ, code)
}

// sendEchoReply answers the echo request req from src.
func (r *Router) sendEchoReply(req packet.IPv4, src netip.Addr) {
	msg, err := req.ICMP()
	if err != nil {
		return
	}
	body, err := echoReplyBody(msg)
	if err != nil {
		log.WithError(err).Error("Building echo reply")
		return
	}
	r.emit(body, src, req.Src(), packet.ICMPTypeEchoReply, 0)
}

// emit routes an ICMP message the router originates toward dst.
func (r *Router) emit(body []byte, src, dst netip.Addr, typ, code uint8) {
	rt, nh, err := r.routes.Resolve(dst)
	if err != nil {
		log.WithFields(log.Fields{"dst": dst, "type": typ}).Debug("No route back for ICMP message")
		return
	}
	if !src.IsValid() {
		out, ok := r.ifaces.ByName(rt.Interface)
		if !ok {
			return
		}
		src = out.Addr
	}
	p, err := ipv4Packet(src, dst, body)
	if err != nil {
		log.WithError(err).Error("Building ICMP packet")
		return
	}
	icmpSent.WithLabelValues(strconv.Itoa(int(typ)), strconv.Itoa(int(code))).Inc()
	log.WithFields(log.Fields{
		"src":  src,
		"dst":  dst,
		"type": typ,
		"code": code,
	}).Debug("Sending ICMP")
	r.forward(p, rt.Interface, nh)
}
