package nat

import (
	"errors"
	"fmt"

	"go.universe.tf/natrouter/checksum"
	"go.universe.tf/natrouter/packet"
)

// TranslatorVerdict tells the caller what to do with a packet after
// translation.
type TranslatorVerdict int

const (
	// TranslatorVerdictAccept: not subject to translation; pass it
	// on unchanged.
	TranslatorVerdictAccept TranslatorVerdict = iota
	// TranslatorVerdictMangle: the packet was rewritten in place.
	TranslatorVerdictMangle
	TranslatorVerdictDrop
	// TranslatorVerdictLocal: addressed to the NAT host itself.
	TranslatorVerdictLocal
	// TranslatorVerdictReject: answer with Port Unreachable.
	TranslatorVerdictReject
	// TranslatorVerdictHold: the table kept a copy as an unsolicited
	// SYN; do not forward the original.
	TranslatorVerdictHold
)

func (v TranslatorVerdict) String() string {
	switch v {
	case TranslatorVerdictAccept:
		return "accept"
	case TranslatorVerdictMangle:
		return "mangle"
	case TranslatorVerdictDrop:
		return "drop"
	case TranslatorVerdictLocal:
		return "local"
	case TranslatorVerdictReject:
		return "reject"
	case TranslatorVerdictHold:
		return "hold"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Translator is the top-level interface. Packets get fed in, may be
// mutated, and the verdict dictates whether the packet makes it off
// the machine. The error, when non-nil, explains a Drop.
type Translator interface {
	// TranslateOut rewrites the source of a packet leaving the
	// private side.
	TranslateOut(p packet.IPv4) (TranslatorVerdict, error)
	// TranslateIn rewrites the destination of a packet addressed to
	// the external address.
	TranslateIn(p packet.IPv4) (TranslatorVerdict, error)
	// Bound reports whether TranslateIn would rewrite p. The table
	// is only read: no timestamp is refreshed and no segment tracked.
	Bound(p packet.IPv4) bool
}

type napt struct {
	table *Table
}

// NewTranslator returns a Translator backed by t.
func NewTranslator(t *Table) Translator {
	return &napt{table: t}
}

func (n *napt) TranslateOut(p packet.IPv4) (TranslatorVerdict, error) {
	switch p.Protocol() {
	case packet.ProtocolTCP:
		seg, err := p.TCP()
		if err != nil {
			return TranslatorVerdictDrop, err
		}
		internal := Endpoint{Addr: p.Src(), Port: seg.SrcPort()}
		remote := Endpoint{Addr: p.Dst(), Port: seg.DstPort()}
		m, err := n.table.BindOutbound(ProtocolTCP, internal, remote, seg.Flags())
		if err != nil {
			return TranslatorVerdictDrop, err
		}
		p.SetSrc(m.External.Addr)
		seg.SetSrcPort(m.External.Port)
		p.UpdateChecksum()
		p.UpdateTCPChecksum()
		translations.WithLabelValues("out", "tcp").Inc()
		return TranslatorVerdictMangle, nil

	case packet.ProtocolICMP:
		msg, err := p.ICMP()
		if err != nil {
			return TranslatorVerdictDrop, err
		}
		if !msg.IsEcho() {
			return TranslatorVerdictDrop, fmt.Errorf("%w: ICMP type %d", ErrUnsupportedProtocol, msg.Type())
		}
		internal := Endpoint{Addr: p.Src(), Port: msg.ID()}
		remote := Endpoint{Addr: p.Dst()}
		m, err := n.table.BindOutbound(ProtocolICMP, internal, remote, 0)
		if err != nil {
			return TranslatorVerdictDrop, err
		}
		p.SetSrc(m.External.Addr)
		msg.SetID(m.External.Port)
		checksum.SetICMP(msg)
		p.UpdateChecksum()
		translations.WithLabelValues("out", "icmp").Inc()
		return TranslatorVerdictMangle, nil

	default:
		return TranslatorVerdictDrop, fmt.Errorf("%w: IP protocol %d", ErrUnsupportedProtocol, p.Protocol())
	}
}

func (n *napt) TranslateIn(p packet.IPv4) (TranslatorVerdict, error) {
	if p.Dst() != n.table.ExternalAddr() {
		return TranslatorVerdictAccept, nil
	}

	switch p.Protocol() {
	case packet.ProtocolTCP:
		seg, err := p.TCP()
		if err != nil {
			return TranslatorVerdictDrop, err
		}
		remote := Endpoint{Addr: p.Src(), Port: seg.SrcPort()}
		m, err := n.table.ResolveInbound(ProtocolTCP, seg.DstPort(), remote, seg.Flags())
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			return n.unsolicited(p, seg)
		default:
			return TranslatorVerdictDrop, err
		}
		p.SetDst(m.Internal.Addr)
		seg.SetDstPort(m.Internal.Port)
		p.UpdateChecksum()
		p.UpdateTCPChecksum()
		translations.WithLabelValues("in", "tcp").Inc()
		return TranslatorVerdictMangle, nil

	case packet.ProtocolICMP:
		msg, err := p.ICMP()
		if err != nil {
			return TranslatorVerdictDrop, err
		}
		// Errors, and echoes whose identifier is not mapped, are for
		// the NAT host.
		if !msg.IsEcho() {
			return TranslatorVerdictLocal, nil
		}
		m, err := n.table.ResolveInbound(ProtocolICMP, msg.ID(), Endpoint{Addr: p.Src()}, 0)
		if err != nil {
			return TranslatorVerdictLocal, nil
		}
		p.SetDst(m.Internal.Addr)
		msg.SetID(m.Internal.Port)
		checksum.SetICMP(msg)
		p.UpdateChecksum()
		translations.WithLabelValues("in", "icmp").Inc()
		return TranslatorVerdictMangle, nil

	default:
		return TranslatorVerdictLocal, nil
	}
}

func (n *napt) Bound(p packet.IPv4) bool {
	if p.Dst() != n.table.ExternalAddr() {
		return false
	}
	switch p.Protocol() {
	case packet.ProtocolTCP:
		seg, err := p.TCP()
		return err == nil && n.table.bound(Key{Protocol: ProtocolTCP, Port: seg.DstPort()})
	case packet.ProtocolICMP:
		msg, err := p.ICMP()
		return err == nil && msg.IsEcho() && n.table.bound(Key{Protocol: ProtocolICMP, Port: msg.ID()})
	default:
		return false
	}
}

// unsolicited handles an inbound TCP segment that matched no mapping.
func (n *napt) unsolicited(p packet.IPv4, seg packet.TCP) (TranslatorVerdict, error) {
	if !n.table.InEphemeralRange(seg.DstPort()) {
		return TranslatorVerdictReject, nil
	}
	if !isSYN(seg.Flags()) {
		return TranslatorVerdictDrop, fmt.Errorf("unsolicited %v segment to port %d", seg.Flags(), seg.DstPort())
	}
	if _, err := n.table.InsertUnsolicited(p); err != nil {
		return TranslatorVerdictDrop, err
	}
	return TranslatorVerdictHold, nil
}
