package nat

import (
	"time"

	"go.universe.tf/natrouter/packet"
)

// ConnState is the handshake/teardown state of a tracked TCP flow.
type ConnState int

const (
	StateUnestablished ConnState = iota
	StateSYNSeen
	StateSYNACKSeen
	StateEstablished
	StateFIN1
	StateFIN1ACK
	StateFIN2
)

var stateNames = [...]string{
	StateUnestablished: "unestablished",
	StateSYNSeen:       "syn-seen",
	StateSYNACKSeen:    "syn-ack-seen",
	StateEstablished:   "established",
	StateFIN1:          "fin1",
	StateFIN1ACK:       "fin1-ack",
	StateFIN2:          "fin2",
}

func (s ConnState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

// isSYN reports whether flags open a connection: SYN without ACK.
func isSYN(f packet.TCPFlags) bool {
	return f.Has(packet.FlagSYN) && !f.Has(packet.FlagACK)
}

// nextState returns the state after observing a segment with flags.
// Out-of-order segments leave the state unchanged. Teardown states
// are tracked so closing flows fall back to the transitory timeout.
func nextState(s ConnState, f packet.TCPFlags) ConnState {
	switch s {
	case StateUnestablished:
		if isSYN(f) {
			return StateSYNSeen
		}
	case StateSYNSeen:
		if f.Has(packet.FlagSYN | packet.FlagACK) {
			return StateSYNACKSeen
		}
	case StateSYNACKSeen:
		if f.Has(packet.FlagACK) && !f.Has(packet.FlagSYN) {
			return StateEstablished
		}
	case StateEstablished:
		if f.Has(packet.FlagFIN) {
			return StateFIN1
		}
	case StateFIN1:
		if f.Has(packet.FlagFIN) {
			return StateFIN2
		}
		if f.Has(packet.FlagACK) {
			return StateFIN1ACK
		}
	case StateFIN1ACK:
		if f.Has(packet.FlagFIN) {
			return StateFIN2
		}
	}
	return s
}

type conn struct {
	remote      Endpoint
	state       ConnState
	lastUpdated time.Time
	pending     packet.IPv4
}

func (c *conn) snapshot() Connection {
	s := Connection{
		Remote:      c.remote,
		State:       c.state,
		LastUpdated: c.lastUpdated,
	}
	if c.pending != nil {
		s.PendingPacket = c.pending.Clone()
	}
	return s
}

// trackLocked advances the connection to remote under m for a segment
// carrying flags. remote must be resolved once by the caller and is
// used both to find the connection and to create it. A missing
// connection is only created by a SYN; other segments update nothing.
func (t *Table) trackLocked(m *mapping, remote Endpoint, flags packet.TCPFlags, now time.Time) {
	m.lastUpdated = now
	c := m.conn(remote)
	if c == nil {
		if !isSYN(flags) {
			return
		}
		m.conns = append(m.conns, &conn{remote: remote, state: StateSYNSeen, lastUpdated: now})
		return
	}
	c.state = nextState(c.state, flags)
	c.lastUpdated = now
}

// track records a TCP segment exchanged between the mapping with key
// and remote.
func (t *Table) track(key Key, remote Endpoint, flags packet.TCPFlags) error {
	if key.Protocol != ProtocolTCP {
		return ErrUnsupportedProtocol
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byExternal[key]
	if m == nil {
		return ErrNotFound
	}
	t.trackLocked(m, remote, flags, t.Now())
	return nil
}
