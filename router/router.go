// Package router is the forwarding plane: it classifies every frame
// received on an interface, answers what is addressed to the router,
// drives the NAT for traffic crossing the external interface, and
// forwards the rest toward its next hop.
package router

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"go.universe.tf/natrouter/iface"
	"go.universe.tf/natrouter/nat"
	"go.universe.tf/natrouter/packet"
	"go.universe.tf/natrouter/route"
)

const (
	DefaultICMPRate  = 100
	DefaultICMPBurst = 50
)

// Routes resolves a destination to its route and next hop.
type Routes interface {
	Resolve(dst netip.Addr) (route.Route, netip.Addr, error)
}

// Interfaces looks up the router's own ports.
type Interfaces interface {
	ByName(name string) (iface.Interface, bool)
	ByIP(ip netip.Addr) (iface.Interface, bool)
	IsLocal(ip netip.Addr) bool
}

// Resolver is the link-address resolution cache.
type Resolver interface {
	Lookup(ip netip.Addr) (net.HardwareAddr, bool)
	// Enqueue holds p until dst resolves on ifName.
	Enqueue(dst netip.Addr, p packet.IPv4, ifName string)
	HandleARP(frame []byte, ifName string) error
}

// Sender transmits an Ethernet frame.
type Sender interface {
	Send(frame []byte, ifName string) error
}

// Config wires a Router to its collaborators.
type Config struct {
	Routes     Routes
	Interfaces Interfaces
	Resolver   Resolver
	Link       Sender

	// NAT, if non-nil, enables translation for traffic leaving
	// through ExternalInterface.
	NAT               *nat.Table
	ExternalInterface string

	// ICMPRate and ICMPBurst limit generated ICMP errors. Zero
	// values take the defaults.
	ICMPRate  rate.Limit
	ICMPBurst int
}

// Router dispatches received packets. It holds no per-packet state of
// its own, so HandleFrame may be called concurrently.
type Router struct {
	routes Routes
	ifaces Interfaces
	arp    Resolver
	link   Sender

	nat      nat.Translator
	external netip.Addr
	extIface string

	limiter *rate.Limiter
}

// New returns a Router for cfg.
func New(cfg Config) (*Router, error) {
	if cfg.Routes == nil || cfg.Interfaces == nil || cfg.Resolver == nil || cfg.Link == nil {
		return nil, errors.New("router needs routes, interfaces, a resolver and a link")
	}
	if cfg.ICMPRate == 0 {
		cfg.ICMPRate = DefaultICMPRate
	}
	if cfg.ICMPBurst == 0 {
		cfg.ICMPBurst = DefaultICMPBurst
	}
	r := &Router{
		routes:  cfg.Routes,
		ifaces:  cfg.Interfaces,
		arp:     cfg.Resolver,
		link:    cfg.Link,
		limiter: rate.NewLimiter(cfg.ICMPRate, cfg.ICMPBurst),
	}
	if cfg.NAT != nil {
		ext, ok := cfg.Interfaces.ByName(cfg.ExternalInterface)
		if !ok {
			return nil, fmt.Errorf("unknown external interface %q", cfg.ExternalInterface)
		}
		if ext.Addr != cfg.NAT.ExternalAddr() {
			return nil, fmt.Errorf("NAT external address %s is not the address of %s (%s)", cfg.NAT.ExternalAddr(), ext.Name, ext.Addr)
		}
		r.nat = nat.NewTranslator(cfg.NAT)
		r.external = ext.Addr
		r.extIface = ext.Name
	}
	return r, nil
}

// HandleFrame processes one Ethernet frame received on ifName.
func (r *Router) HandleFrame(frame []byte, ifName string) {
	eth, err := packet.ParseEthernet(frame)
	if err != nil {
		r.drop(ifName, nil, "runt frame")
		return
	}
	switch eth.EtherType() {
	case packet.EtherTypeARP:
		if err := r.arp.HandleARP(frame, ifName); err != nil {
			log.WithError(err).WithField("iface", ifName).Debug("Ignoring ARP frame")
		}
	case packet.EtherTypeIPv4:
		p, err := packet.ParseIPv4(eth.Payload())
		if err != nil {
			log.WithError(err).WithField("iface", ifName).Debug("Dropping malformed IPv4 packet")
			packets.WithLabelValues(verdictDropped).Inc()
			return
		}
		r.HandleIPv4(p, ifName)
	default:
		r.drop(ifName, nil, fmt.Sprintf("ethertype %#04x", eth.EtherType()))
	}
}

// HandleIPv4 processes one IPv4 packet received on ifName. p may be
// rewritten in place.
func (r *Router) HandleIPv4(p packet.IPv4, ifName string) {
	in, ok := r.ifaces.ByName(ifName)
	if !ok {
		r.drop(ifName, p, "unknown interface")
		return
	}
	if !p.ChecksumValid() {
		r.drop(ifName, p, "bad IP checksum")
		return
	}

	if r.nat != nil && p.Dst() == r.external {
		r.inbound(p, in)
		return
	}
	if local, ok := r.ifaces.ByIP(p.Dst()); ok {
		r.local(p, local)
		return
	}
	r.transit(p, in)
}

// local answers a packet addressed to one of the router's addresses.
func (r *Router) local(p packet.IPv4, addressed iface.Interface) {
	if p.Protocol() != packet.ProtocolICMP {
		r.sendError(p, packet.ICMPTypeDestUnreach, packet.ICMPCodePortUnreach, addressed.Addr)
		packets.WithLabelValues(verdictRejected).Inc()
		return
	}
	msg, err := p.ICMP()
	if err != nil {
		r.drop(addressed.Name, p, err.Error())
		return
	}
	switch {
	case msg.Type() == packet.ICMPTypeEchoRequest:
		r.sendEchoReply(p, addressed.Addr)
		packets.WithLabelValues(verdictLocal).Inc()
	case msg.IsError():
		log.WithFields(log.Fields{
			"src":  p.Src(),
			"type": msg.Type(),
			"code": msg.Code(),
		}).Info("ICMP error addressed to router")
		packets.WithLabelValues(verdictLocal).Inc()
	default:
		r.drop(addressed.Name, p, fmt.Sprintf("ICMP type %d", msg.Type()))
	}
}

// inbound handles a packet addressed to the NAT's external address.
func (r *Router) inbound(p packet.IPv4, in iface.Interface) {
	// An expiring packet must not refresh the mapping or advance the
	// connection it would have been translated for.
	if p.TTL() <= 1 && r.nat.Bound(p) {
		r.sendError(p, packet.ICMPTypeTimeExceeded, packet.ICMPCodeTTLExceeded, r.external)
		packets.WithLabelValues(verdictExpired).Inc()
		return
	}
	v, err := r.nat.TranslateIn(p)
	switch v {
	case nat.TranslatorVerdictMangle:
		if p.TTL() <= 1 {
			// Bound while we looked.
			r.drop(in.Name, p, "TTL expired")
			return
		}
		decrementTTL(p)
		rt, nh, err := r.routes.Resolve(p.Dst())
		if err != nil {
			r.drop(in.Name, p, "no route to translated destination")
			return
		}
		r.forward(p, rt.Interface, nh)
	case nat.TranslatorVerdictReject:
		r.sendError(p, packet.ICMPTypeDestUnreach, packet.ICMPCodePortUnreach, r.external)
		packets.WithLabelValues(verdictRejected).Inc()
	case nat.TranslatorVerdictHold:
		packets.WithLabelValues(verdictHeld).Inc()
	case nat.TranslatorVerdictDrop:
		reason := "nat"
		if err != nil {
			reason = err.Error()
		}
		r.drop(in.Name, p, reason)
	default:
		ext, _ := r.ifaces.ByName(r.extIface)
		r.local(p, ext)
	}
}

// transit forwards a packet addressed elsewhere.
func (r *Router) transit(p packet.IPv4, in iface.Interface) {
	if p.TTL() <= 1 {
		r.sendError(p, packet.ICMPTypeTimeExceeded, packet.ICMPCodeTTLExceeded, in.Addr)
		packets.WithLabelValues(verdictExpired).Inc()
		return
	}
	rt, nh, err := r.routes.Resolve(p.Dst())
	if err != nil {
		r.sendError(p, packet.ICMPTypeDestUnreach, packet.ICMPCodeNetUnreach, in.Addr)
		packets.WithLabelValues(verdictNoRoute).Inc()
		return
	}

	translate := false
	if r.nat != nil {
		fromOutside := in.Name == r.extIface
		toOutside := rt.Interface == r.extIface
		if fromOutside && !toOutside {
			r.drop(in.Name, p, "external traffic not addressed to the NAT")
			return
		}
		translate = !fromOutside && toOutside
	}

	// The packet is touched exactly once here: whatever is queued for
	// resolution below is already in its final form.
	decrementTTL(p)
	if translate {
		v, err := r.nat.TranslateOut(p)
		if v != nat.TranslatorVerdictMangle {
			reason := v.String()
			if err != nil {
				reason = err.Error()
			}
			r.drop(in.Name, p, reason)
			return
		}
	}
	r.forward(p, rt.Interface, nh)
}

// forward transmits p on ifName to nextHop, queueing it if the link
// address is not known yet.
func (r *Router) forward(p packet.IPv4, ifName string, nextHop netip.Addr) {
	out, ok := r.ifaces.ByName(ifName)
	if !ok {
		r.drop(ifName, p, "route to unknown interface")
		return
	}
	mac, ok := r.arp.Lookup(nextHop)
	if !ok {
		r.arp.Enqueue(nextHop, p, ifName)
		packets.WithLabelValues(verdictQueued).Inc()
		return
	}
	if err := r.link.Send(packet.Frame(mac, out.MAC, packet.EtherTypeIPv4, p), ifName); err != nil {
		log.WithError(err).WithFields(log.Fields{"iface": ifName, "dst": p.Dst()}).Warn("Transmit failed")
		packets.WithLabelValues(verdictSendFailed).Inc()
		return
	}
	packets.WithLabelValues(verdictForwarded).Inc()
}

func (r *Router) drop(ifName string, p packet.IPv4, reason string) {
	packets.WithLabelValues(verdictDropped).Inc()
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	f := log.Fields{"iface": ifName, "reason": reason}
	if p != nil {
		f["src"] = p.Src()
		f["dst"] = p.Dst()
		f["proto"] = p.Protocol()
	}
	log.WithFields(f).Debug("Dropping packet")
}

func decrementTTL(p packet.IPv4) {
	p.SetTTL(p.TTL() - 1)
	p.UpdateChecksum()
}
