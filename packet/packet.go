// Package packet provides bounds-checked views over Ethernet, IPv4,
// TCP and ICMP wire bytes. Every constructor validates the length
// claimed by the header before any field is read, so accessors on a
// successfully parsed view never index out of range.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"go.universe.tf/natrouter/checksum"
)

// IP protocol numbers understood by the router.
const (
	ProtocolICMP = 1
	ProtocolTCP  = 6
	ProtocolUDP  = 17
)

const (
	IPv4HeaderLen = 20
	TCPHeaderLen  = 20
	ICMPHeaderLen = 8
)

var (
	ErrTruncated       = errors.New("packet truncated")
	ErrNotIPv4         = errors.New("not an IPv4 packet")
	ErrBadHeaderLength = errors.New("bad header length")
	ErrWrongProtocol   = errors.New("unexpected IP protocol")
)

// IPv4 is a view of an IPv4 packet, header included. It aliases the
// underlying buffer: setters modify the packet in place.
type IPv4 []byte

// ParseIPv4 validates b as an IPv4 packet and returns a view trimmed
// to the total length carried in the header.
func ParseIPv4(b []byte) (IPv4, error) {
	if len(b) < IPv4HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrTruncated, len(b), IPv4HeaderLen)
	}
	if b[0]>>4 != 4 {
		return nil, ErrNotIPv4
	}
	hl := int(b[0]&0x0F) * 4
	if hl < IPv4HeaderLen {
		return nil, fmt.Errorf("%w: IHL %d", ErrBadHeaderLength, hl)
	}
	tl := int(binary.BigEndian.Uint16(b[2:4]))
	if tl < hl {
		return nil, fmt.Errorf("%w: total length %d shorter than header %d", ErrBadHeaderLength, tl, hl)
	}
	if len(b) < tl {
		return nil, fmt.Errorf("%w: %d bytes, header claims %d", ErrTruncated, len(b), tl)
	}
	return IPv4(b[:tl]), nil
}

func (p IPv4) HeaderLen() int { return int(p[0]&0x0F) * 4 }
func (p IPv4) TotalLen() int { return int(binary.BigEndian.Uint16(p[2:4])) }
func (p IPv4) TTL() uint8 { return p[8] }
func (p IPv4) SetTTL(ttl uint8) {
	p[8] = ttl
}
func (p IPv4) Protocol() uint8 { return p[9] }

// Header returns the IP header bytes, options included.
func (p IPv4) Header() []byte { return p[:p.HeaderLen()] }

// Payload returns the bytes following the IP header.
func (p IPv4) Payload() []byte { return p[p.HeaderLen():] }

func (p IPv4) Src() netip.Addr { return netip.AddrFrom4(p.Src4()) }
func (p IPv4) Dst() netip.Addr { return netip.AddrFrom4(p.Dst4()) }

func (p IPv4) Src4() (a [4]byte) {
	copy(a[:], p[12:16])
	return a
}

func (p IPv4) Dst4() (a [4]byte) {
	copy(a[:], p[16:20])
	return a
}

func (p IPv4) SetSrc(a netip.Addr) {
	b := a.As4()
	copy(p[12:16], b[:])
}

func (p IPv4) SetDst(a netip.Addr) {
	b := a.As4()
	copy(p[16:20], b[:])
}

// UpdateChecksum recomputes the IP header checksum.
func (p IPv4) UpdateChecksum() {
	checksum.SetIPv4(p.Header())
}

// ChecksumValid reports whether the IP header checksum is correct.
func (p IPv4) ChecksumValid() bool {
	return checksum.Valid(p.Header())
}

// TCP returns a view of the TCP segment carried by p.
func (p IPv4) TCP() (TCP, error) {
	if p.Protocol() != ProtocolTCP {
		return nil, ErrWrongProtocol
	}
	return ParseTCP(p.Payload())
}

// ICMP returns a view of the ICMP message carried by p.
func (p IPv4) ICMP() (ICMP, error) {
	if p.Protocol() != ProtocolICMP {
		return nil, ErrWrongProtocol
	}
	return ParseICMP(p.Payload())
}

// UpdateTCPChecksum recomputes the TCP checksum of the carried
// segment using p's current addresses.
func (p IPv4) UpdateTCPChecksum() {
	checksum.SetTCP(p.Src4(), p.Dst4(), p.Payload())
}

// Clone returns a copy of p that does not alias the original buffer.
func (p IPv4) Clone() IPv4 {
	return append(IPv4(nil), p...)
}
