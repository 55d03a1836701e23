package packet

import (
	"encoding/binary"
	"fmt"
	"net"
)

const EthernetHeaderLen = 14

// EtherTypes the router dispatches on.
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
)

// Ethernet is a view of an Ethernet II frame.
type Ethernet []byte

// ParseEthernet validates that b holds at least an Ethernet header.
func ParseEthernet(b []byte) (Ethernet, error) {
	if len(b) < EthernetHeaderLen {
		return nil, fmt.Errorf("%w: frame %d bytes", ErrTruncated, len(b))
	}
	return Ethernet(b), nil
}

func (e Ethernet) Dst() net.HardwareAddr { return net.HardwareAddr(e[0:6]) }
func (e Ethernet) Src() net.HardwareAddr { return net.HardwareAddr(e[6:12]) }
func (e Ethernet) EtherType() uint16 { return binary.BigEndian.Uint16(e[12:14]) }
func (e Ethernet) Payload() []byte { return e[EthernetHeaderLen:] }

// SetAddrs rewrites the destination and source hardware addresses.
func (e Ethernet) SetAddrs(dst, src net.HardwareAddr) {
	copy(e[0:6], dst)
	copy(e[6:12], src)
}

// Frame builds an Ethernet frame around payload.
func Frame(dst, src net.HardwareAddr, etherType uint16, payload []byte) Ethernet {
	f := make(Ethernet, EthernetHeaderLen+len(payload))
	f.SetAddrs(dst, src)
	binary.BigEndian.PutUint16(f[12:14], etherType)
	copy(f[EthernetHeaderLen:], payload)
	return f
}
