package nat

import (
	"errors"
	"testing"

	"go.universe.tf/natrouter/packet"
)

const (
	syn    = packet.FlagSYN
	synack = packet.FlagSYN | packet.FlagACK
	ack    = packet.FlagACK
	fin    = packet.FlagFIN | packet.FlagACK
	rst    = packet.FlagRST
)

func TestNextState(t *testing.T) {
	tests := []struct {
		from  ConnState
		flags packet.TCPFlags
		want  ConnState
	}{
		{StateUnestablished, syn, StateSYNSeen},
		{StateUnestablished, synack, StateUnestablished},
		{StateUnestablished, ack, StateUnestablished},
		{StateSYNSeen, synack, StateSYNACKSeen},
		{StateSYNSeen, ack, StateSYNSeen},
		{StateSYNSeen, syn, StateSYNSeen},
		{StateSYNACKSeen, ack, StateEstablished},
		{StateSYNACKSeen, synack, StateSYNACKSeen},
		{StateEstablished, ack, StateEstablished},
		{StateEstablished, fin, StateFIN1},
		{StateEstablished, rst, StateEstablished},
		{StateFIN1, ack, StateFIN1ACK},
		{StateFIN1, fin, StateFIN2},
		{StateFIN1ACK, ack, StateFIN1ACK},
		{StateFIN1ACK, fin, StateFIN2},
		{StateFIN2, ack, StateFIN2},
		{StateFIN2, syn, StateFIN2},
	}
	for _, tc := range tests {
		if got := nextState(tc.from, tc.flags); got != tc.want {
			t.Errorf("nextState(%v, %v) = %v, want %v", tc.from, tc.flags, got, tc.want)
		}
	}
}

func TestHandshakeThroughTable(t *testing.T) {
	tbl, _ := newTestTable(t, nil)
	internal := Endpoint{hostA, 5000}
	remote := Endpoint{remoteIP, 80}

	m, err := tbl.BindOutbound(ProtocolTCP, internal, remote, syn)
	if err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		inbound bool
		flags   packet.TCPFlags
		want    ConnState
	}{
		{true, synack, StateSYNACKSeen},
		{false, ack, StateEstablished},
		{false, ack, StateEstablished},
		{true, fin, StateFIN1},
		{false, ack, StateFIN1ACK},
		{false, fin, StateFIN2},
	}
	for i, step := range steps {
		var got Mapping
		if step.inbound {
			got, err = tbl.ResolveInbound(ProtocolTCP, m.External.Port, remote, step.flags)
		} else {
			got, err = tbl.BindOutbound(ProtocolTCP, internal, remote, step.flags)
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		c, ok := got.Connection(remote)
		if !ok {
			t.Fatalf("step %d: connection to %v missing", i, remote)
		}
		if c.State != step.want {
			t.Fatalf("step %d (%v): state %v, want %v", i, step.flags, c.State, step.want)
		}
	}
}

func TestNonSYNCreatesNoConnection(t *testing.T) {
	tbl, _ := newTestTable(t, nil)
	m, err := tbl.BindOutbound(ProtocolTCP, Endpoint{hostA, 5000}, Endpoint{remoteIP, 80}, ack)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Connections) != 0 {
		t.Fatalf("ACK without SYN created connections: %v", m.Connections)
	}
	if err := tbl.track(m.Key(), Endpoint{remoteIP, 443}, synack); err != nil {
		t.Fatal(err)
	}
	got, _ := tbl.LookupExternal(m.External.Port, ProtocolTCP)
	if len(got.Connections) != 0 {
		t.Fatalf("SYN-ACK without SYN created connections: %v", got.Connections)
	}
}

func TestConnectionsPerRemote(t *testing.T) {
	tbl, _ := newTestTable(t, nil)
	internal := Endpoint{hostA, 5000}
	r1, r2 := Endpoint{remoteIP, 80}, Endpoint{remoteIP, 443}
	tbl.BindOutbound(ProtocolTCP, internal, r1, syn)
	m, _ := tbl.BindOutbound(ProtocolTCP, internal, r2, syn)
	if len(m.Connections) != 2 {
		t.Fatalf("got %d connections, want 2", len(m.Connections))
	}
	tbl.ResolveInbound(ProtocolTCP, m.External.Port, r1, synack)
	m, _ = tbl.LookupExternal(m.External.Port, ProtocolTCP)
	c1, _ := m.Connection(r1)
	c2, _ := m.Connection(r2)
	if c1.State != StateSYNACKSeen || c2.State != StateSYNSeen {
		t.Fatalf("states = %v, %v; segment to one remote moved the other", c1.State, c2.State)
	}
}

func TestTrackErrors(t *testing.T) {
	tbl, _ := newTestTable(t, nil)
	if err := tbl.track(Key{ProtocolTCP, 1234}, Endpoint{remoteIP, 80}, syn); !errors.Is(err, ErrNotFound) {
		t.Errorf("track on missing mapping: %v", err)
	}
	if err := tbl.track(Key{ProtocolICMP, 1}, Endpoint{remoteIP, 0}, syn); !errors.Is(err, ErrUnsupportedProtocol) {
		t.Errorf("track on ICMP: %v", err)
	}
}
