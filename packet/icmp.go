package packet

import (
	"encoding/binary"
	"fmt"
)

// ICMP message types handled by the router.
const (
	ICMPTypeEchoReply    = 0
	ICMPTypeDestUnreach  = 3
	ICMPTypeEchoRequest  = 8
	ICMPTypeTimeExceeded = 11
	ICMPCodeNetUnreach   = 0
	ICMPCodeHostUnreach  = 1
	ICMPCodePortUnreach  = 3
	ICMPCodeTTLExceeded  = 0
)

// ICMP is a view of an ICMP message.
type ICMP []byte

// ParseICMP validates that b holds at least an ICMP header.
func ParseICMP(b []byte) (ICMP, error) {
	if len(b) < ICMPHeaderLen {
		return nil, fmt.Errorf("%w: ICMP message %d bytes", ErrTruncated, len(b))
	}
	return ICMP(b), nil
}

func (m ICMP) Type() uint8 { return m[0] }
func (m ICMP) Code() uint8 { return m[1] }

// ID is the echo identifier. It is only meaningful for echo messages.
func (m ICMP) ID() uint16 { return binary.BigEndian.Uint16(m[4:6]) }
func (m ICMP) Seq() uint16 { return binary.BigEndian.Uint16(m[6:8]) }
func (m ICMP) SetID(id uint16) { binary.BigEndian.PutUint16(m[4:6], id) }

// IsEcho reports whether m is an echo request or reply.
func (m ICMP) IsEcho() bool {
	return m.Type() == ICMPTypeEchoRequest || m.Type() == ICMPTypeEchoReply
}

// IsError reports whether m is an ICMP error message, which must
// never itself trigger an ICMP error.
func (m ICMP) IsError() bool {
	switch m.Type() {
	case ICMPTypeDestUnreach, ICMPTypeTimeExceeded, 4, 5, 12:
		return true
	}
	return false
}
