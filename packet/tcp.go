package packet

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// TCPFlags is the flag octet of a TCP header.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// Has reports whether all bits of want are set.
func (f TCPFlags) Has(want TCPFlags) bool { return f&want == want }

func (f TCPFlags) String() string {
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}
	var set []string
	for i, n := range names {
		if f&(1<<i) != 0 {
			set = append(set, n)
		}
	}
	if len(set) == 0 {
		return "none"
	}
	return strings.Join(set, "|")
}

// TCP is a view of a TCP segment, header and payload.
type TCP []byte

// ParseTCP validates b as a TCP segment whose data offset fits in b.
func ParseTCP(b []byte) (TCP, error) {
	if len(b) < TCPHeaderLen {
		return nil, fmt.Errorf("%w: TCP segment %d bytes", ErrTruncated, len(b))
	}
	off := int(b[12]>>4) * 4
	if off < TCPHeaderLen || off > len(b) {
		return nil, fmt.Errorf("%w: TCP data offset %d", ErrBadHeaderLength, off)
	}
	return TCP(b), nil
}

func (t TCP) SrcPort() uint16 { return binary.BigEndian.Uint16(t[0:2]) }
func (t TCP) DstPort() uint16 { return binary.BigEndian.Uint16(t[2:4]) }
func (t TCP) Flags() TCPFlags { return TCPFlags(t[13]) }

func (t TCP) SetSrcPort(port uint16) { binary.BigEndian.PutUint16(t[0:2], port) }
func (t TCP) SetDstPort(port uint16) { binary.BigEndian.PutUint16(t[2:4], port) }
