package nat

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.universe.tf/natrouter/config"
	"go.universe.tf/natrouter/packet"
	"go.universe.tf/natrouter/portmanager"
)

type internalKey struct {
	proto    Protocol
	internal Endpoint
}

// mapping is the table's own record. It never leaves the table;
// callers get Mapping snapshots.
type mapping struct {
	proto       Protocol
	pending     bool
	internal    Endpoint
	external    Endpoint
	lastUpdated time.Time
	conns       []*conn
}

func (m *mapping) key() Key { return Key{Protocol: m.proto, Port: m.external.Port} }

func (m *mapping) conn(remote Endpoint) *conn {
	for _, c := range m.conns {
		if c.remote == remote {
			return c
		}
	}
	return nil
}

func (m *mapping) snapshot() Mapping {
	s := Mapping{
		Protocol:    m.proto,
		Pending:     m.pending,
		External:    m.external,
		LastUpdated: m.lastUpdated,
	}
	if !m.pending {
		s.Internal = m.internal
	}
	for _, c := range m.conns {
		s.Connections = append(s.Connections, c.snapshot())
	}
	return s
}

// Table is the translation table. All state is guarded by one mutex.
// Exported methods take it exactly once; composite operations call
// the *Locked helpers so that a whole packet's lookup, insert and
// connection update happen in a single critical section.
type Table struct {
	// Now returns the current time. Tests may replace it before the
	// table is used.
	Now func() time.Time

	cfg      config.NATConfig
	external netip.Addr
	ports    portmanager.PortManager

	mu         sync.Mutex
	byExternal map[Key]*mapping
	byInternal map[internalKey]*mapping
	// pending indexes unsolicited mappings by the remote endpoint of
	// their held SYN.
	pending map[Endpoint]*mapping
}

// NewTable returns an empty table translating to external.
func NewTable(cfg config.NATConfig, external netip.Addr) (*Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !external.Is4() {
		return nil, fmt.Errorf("external address %s is not IPv4", external)
	}
	ports, err := portmanager.New(cfg.PortManagerConfig())
	if err != nil {
		return nil, err
	}
	return &Table{
		Now:        time.Now,
		cfg:        cfg,
		external:   external,
		ports:      ports,
		byExternal: map[Key]*mapping{},
		byInternal: map[internalKey]*mapping{},
		pending:    map[Endpoint]*mapping{},
	}, nil
}

// ExternalAddr returns the public address mappings translate to.
func (t *Table) ExternalAddr() netip.Addr { return t.external }

// Config returns the table's configuration.
func (t *Table) Config() config.NATConfig { return t.cfg }

// InEphemeralRange reports whether port is one the table allocates.
func (t *Table) InEphemeralRange(port uint16) bool { return t.ports.InRange(port) }

// Len returns the number of live mappings.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byExternal)
}

// LookupExternal returns the mapping bound to external port or ICMP
// identifier port, refreshing its timestamp.
func (t *Table) LookupExternal(port uint16, proto Protocol) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.lookupExternalLocked(Key{Protocol: proto, Port: port}, t.Now())
	if m == nil {
		return Mapping{}, false
	}
	return m.snapshot(), true
}

// bound reports whether key names a live, non-pending mapping,
// leaving its timestamp alone.
func (t *Table) bound(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byExternal[key]
	return m != nil && !m.pending
}

func (t *Table) lookupExternalLocked(k Key, now time.Time) *mapping {
	m := t.byExternal[k]
	if m != nil {
		m.lastUpdated = now
	}
	return m
}

// LookupInternal returns the mapping for the internal endpoint
// (addr, port), refreshing its timestamp. Pending mappings are never
// returned.
func (t *Table) LookupInternal(addr netip.Addr, port uint16, proto Protocol) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.lookupInternalLocked(proto, Endpoint{Addr: addr, Port: port}, t.Now())
	if m == nil {
		return Mapping{}, false
	}
	return m.snapshot(), true
}

func (t *Table) lookupInternalLocked(proto Protocol, internal Endpoint, now time.Time) *mapping {
	m := t.byInternal[internalKey{proto, internal}]
	if m != nil {
		m.lastUpdated = now
	}
	return m
}

// Insert creates a mapping for the internal endpoint (addr, port).
// ICMP mappings keep the identifier; TCP mappings get the next free
// port from the ephemeral range.
func (t *Table) Insert(addr netip.Addr, port uint16, proto Protocol) (Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, err := t.insertLocked(proto, Endpoint{Addr: addr, Port: port}, t.Now())
	if err != nil {
		return Mapping{}, err
	}
	return m.snapshot(), nil
}

func (t *Table) insertLocked(proto Protocol, internal Endpoint, now time.Time) (*mapping, error) {
	if len(t.byExternal) >= t.cfg.MaxMappings {
		return nil, ErrTableFull
	}
	ik := internalKey{proto, internal}
	if _, ok := t.byInternal[ik]; ok {
		return nil, fmt.Errorf("internal endpoint %s/%s already mapped", proto, internal)
	}

	var extPort uint16
	switch proto {
	case ProtocolICMP:
		extPort = internal.Port
		if _, ok := t.byExternal[Key{ProtocolICMP, extPort}]; ok {
			return nil, fmt.Errorf("%w: %d", ErrIDInUse, extPort)
		}
	case ProtocolTCP:
		p, err := t.allocateLocked()
		if err != nil {
			return nil, err
		}
		extPort = p
	default:
		return nil, ErrUnsupportedProtocol
	}

	m := &mapping{
		proto:       proto,
		internal:    internal,
		external:    Endpoint{Addr: t.external, Port: extPort},
		lastUpdated: now,
	}
	t.byExternal[m.key()] = m
	t.byInternal[ik] = m
	log.WithFields(log.Fields{
		"proto":    proto,
		"internal": internal,
		"external": m.external,
	}).Info("Created mapping")
	return m, nil
}

func (t *Table) allocateLocked() (uint16, error) {
	port, err := t.ports.Allocate(func(p uint16) bool {
		_, ok := t.byExternal[Key{ProtocolTCP, p}]
		return ok
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoPortAvailable, err)
	}
	return port, nil
}

// InsertUnsolicited admits an inbound-first TCP SYN with no internal
// counterpart. The mapping is pending: it has no internal endpoint,
// one unestablished connection holding a copy of p, and an external
// port from the ephemeral range. A retransmitted SYN from a remote
// that already has a pending mapping returns that mapping unchanged,
// so the grace period runs from the first SYN.
func (t *Table) InsertUnsolicited(p packet.IPv4) (Mapping, error) {
	seg, err := p.TCP()
	if err != nil {
		return Mapping{}, err
	}
	remote := Endpoint{Addr: p.Src(), Port: seg.SrcPort()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if m := t.pending[remote]; m != nil {
		return m.snapshot(), nil
	}
	if len(t.byExternal) >= t.cfg.MaxMappings {
		return Mapping{}, ErrTableFull
	}
	port, err := t.allocateLocked()
	if err != nil {
		return Mapping{}, err
	}
	now := t.Now()
	m := &mapping{
		proto:       ProtocolTCP,
		pending:     true,
		external:    Endpoint{Addr: t.external, Port: port},
		lastUpdated: now,
		conns: []*conn{{
			remote:      remote,
			state:       StateUnestablished,
			lastUpdated: now,
			pending:     p.Clone(),
		}},
	}
	t.byExternal[m.key()] = m
	t.pending[remote] = m
	log.WithFields(log.Fields{
		"remote":   remote,
		"external": m.external,
		"dport":    seg.DstPort(),
	}).Info("Holding unsolicited SYN")
	return m.snapshot(), nil
}

// LookupPendingFor returns the pending mapping whose held SYN came
// from (addr, port).
func (t *Table) LookupPendingFor(addr netip.Addr, port uint16) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.pending[Endpoint{Addr: addr, Port: port}]
	if m == nil {
		return Mapping{}, false
	}
	return m.snapshot(), true
}

// Delete removes the mapping with key and all its connections.
func (t *Table) Delete(key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byExternal[key]
	if m == nil {
		return ErrNotFound
	}
	t.deleteLocked(m)
	return nil
}

func (t *Table) deleteLocked(m *mapping) {
	delete(t.byExternal, m.key())
	if m.pending {
		for _, c := range m.conns {
			if t.pending[c.remote] == m {
				delete(t.pending, c.remote)
			}
		}
	} else {
		delete(t.byInternal, internalKey{m.proto, m.internal})
	}
}

// Mappings returns snapshots of every live mapping, ordered by
// protocol and external port.
func (t *Table) Mappings() []Mapping {
	t.mu.Lock()
	ms := make([]Mapping, 0, len(t.byExternal))
	for _, m := range t.byExternal {
		ms = append(ms, m.snapshot())
	}
	t.mu.Unlock()
	slices.SortFunc(ms, func(a, b Mapping) int {
		if c := cmp.Compare(a.Protocol, b.Protocol); c != 0 {
			return c
		}
		return cmp.Compare(a.External.Port, b.External.Port)
	})
	return ms
}

// BindOutbound returns the mapping for an internal endpoint sending
// to remote, creating it if needed, and tracks the segment for TCP.
// A pending mapping held for remote is discarded first, since the
// internal flow now answers it. flags is ignored for ICMP.
func (t *Table) BindOutbound(proto Protocol, internal, remote Endpoint, flags packet.TCPFlags) (Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.Now()

	m := t.lookupInternalLocked(proto, internal, now)
	if m == nil {
		if proto == ProtocolTCP {
			if stale := t.pending[remote]; stale != nil {
				log.WithFields(log.Fields{
					"remote":   remote,
					"external": stale.external,
					"internal": internal,
				}).Info("Internal flow claimed held SYN")
				t.deleteLocked(stale)
			}
		}
		var err error
		if m, err = t.insertLocked(proto, internal, now); err != nil {
			return Mapping{}, err
		}
	}
	if proto == ProtocolTCP {
		t.trackLocked(m, remote, flags, now)
	}
	return m.snapshot(), nil
}

// ResolveInbound returns the mapping bound to the external port or
// identifier, tracking the segment from remote for TCP. It returns
// ErrNotFound on a miss and ErrUnbound if the mapping is pending.
func (t *Table) ResolveInbound(proto Protocol, port uint16, remote Endpoint, flags packet.TCPFlags) (Mapping, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.Now()

	m := t.lookupExternalLocked(Key{Protocol: proto, Port: port}, now)
	if m == nil {
		return Mapping{}, ErrNotFound
	}
	if m.pending {
		return Mapping{}, ErrUnbound
	}
	if proto == ProtocolTCP {
		t.trackLocked(m, remote, flags, now)
	}
	return m.snapshot(), nil
}
