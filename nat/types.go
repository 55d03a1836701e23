// Package nat implements a NAPT engine for ICMP echo and TCP: a
// translation table with an ephemeral port allocator, per-mapping TCP
// connection tracking, a background timeout reaper, and the packet
// rewrite logic that ties them together.
package nat

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.universe.tf/natrouter/packet"
)

var (
	ErrNotFound            = errors.New("no such mapping")
	ErrTableFull           = errors.New("translation table full")
	ErrNoPortAvailable     = errors.New("no external port available")
	ErrIDInUse             = errors.New("ICMP identifier already mapped")
	ErrUnbound             = errors.New("mapping is pending and has no internal endpoint")
	ErrUnsupportedProtocol = errors.New("protocol not translated")
)

// Protocol is the transport a mapping translates.
type Protocol uint8

const (
	ProtocolICMP Protocol = packet.ProtocolICMP
	ProtocolTCP  Protocol = packet.ProtocolTCP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Endpoint is an address and a TCP port or ICMP echo identifier.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Key is the identity of a mapping: no two live mappings share one.
type Key struct {
	Protocol Protocol
	Port     uint16
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Protocol, k.Port) }

// Mapping is a snapshot of one NAT binding. Changing a snapshot has
// no effect on the table; use Table methods to mutate state.
type Mapping struct {
	Protocol Protocol
	// Pending marks a mapping admitted from an unsolicited inbound
	// SYN. Pending mappings have no internal endpoint and Internal
	// is the zero Endpoint; it must not be used.
	Pending     bool
	Internal    Endpoint
	External    Endpoint
	LastUpdated time.Time
	// Connections is always empty for ICMP.
	Connections []Connection
}

// Key returns the mapping's identity key.
func (m *Mapping) Key() Key {
	return Key{Protocol: m.Protocol, Port: m.External.Port}
}

// Connection returns the snapshot of the connection to remote.
func (m *Mapping) Connection(remote Endpoint) (Connection, bool) {
	for _, c := range m.Connections {
		if c.Remote == remote {
			return c, true
		}
	}
	return Connection{}, false
}

// Connection is a snapshot of one TCP flow under a mapping.
type Connection struct {
	Remote      Endpoint
	State       ConnState
	LastUpdated time.Time
	// PendingPacket is the unsolicited SYN held until an internal
	// flow claims it or the grace period runs out.
	PendingPacket packet.IPv4
}
