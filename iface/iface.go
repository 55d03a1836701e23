// Package iface holds the router's interface table.
package iface

import (
	"fmt"
	"net"
	"net/netip"
	"slices"

	"go.universe.tf/natrouter/config"
)

// Interface is one router port.
type Interface struct {
	Name   string
	Addr   netip.Addr
	Prefix netip.Prefix
	MAC    net.HardwareAddr
	// Index is the host's interface index, or 0 if unknown.
	Index int
}

// Table indexes interfaces by name and address. It is immutable once
// built.
type Table struct {
	list   []Interface
	byName map[string]int
	byIP   map[netip.Addr]int
}

// New returns a table of ifs. Names and addresses must be unique.
func New(ifs ...Interface) (*Table, error) {
	t := &Table{
		byName: map[string]int{},
		byIP:   map[netip.Addr]int{},
	}
	for _, ifc := range ifs {
		if !ifc.Addr.Is4() {
			return nil, fmt.Errorf("interface %s: address %s is not IPv4", ifc.Name, ifc.Addr)
		}
		if _, ok := t.byName[ifc.Name]; ok {
			return nil, fmt.Errorf("duplicate interface %s", ifc.Name)
		}
		if _, ok := t.byIP[ifc.Addr]; ok {
			return nil, fmt.Errorf("interface %s: address %s already assigned", ifc.Name, ifc.Addr)
		}
		t.byName[ifc.Name] = len(t.list)
		t.byIP[ifc.Addr] = len(t.list)
		t.list = append(t.list, ifc)
	}
	return t, nil
}

// FromConfig builds a table from the topology file. Interfaces
// without a configured MAC take the host's.
func FromConfig(cfg []config.Interface) (*Table, error) {
	var ifs []Interface
	for _, c := range cfg {
		ifc := Interface{
			Name:   c.Name,
			Addr:   c.Prefix.Addr(),
			Prefix: c.Prefix.Masked(),
			MAC:    c.MAC,
		}
		if host, err := net.InterfaceByName(c.Name); err == nil {
			ifc.Index = host.Index
			if ifc.MAC == nil {
				ifc.MAC = host.HardwareAddr
			}
		}
		if len(ifc.MAC) != 6 {
			return nil, fmt.Errorf("interface %s: no Ethernet address configured or found on host", c.Name)
		}
		ifs = append(ifs, ifc)
	}
	return New(ifs...)
}

// ByName returns the interface called name.
func (t *Table) ByName(name string) (Interface, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Interface{}, false
	}
	return t.list[i], true
}

// ByIP returns the interface that owns ip.
func (t *Table) ByIP(ip netip.Addr) (Interface, bool) {
	i, ok := t.byIP[ip]
	if !ok {
		return Interface{}, false
	}
	return t.list[i], true
}

// ByIndex returns the interface with the host index idx.
func (t *Table) ByIndex(idx int) (Interface, bool) {
	for _, ifc := range t.list {
		if idx != 0 && ifc.Index == idx {
			return ifc, true
		}
	}
	return Interface{}, false
}

// IsLocal reports whether ip is one of the router's own addresses.
func (t *Table) IsLocal(ip netip.Addr) bool {
	_, ok := t.byIP[ip]
	return ok
}

// All returns every interface in configuration order.
func (t *Table) All() []Interface {
	return slices.Clone(t.list)
}

// HostAddrs returns the global unicast IPv4 addresses of the host
// interface ifName.
func HostAddrs(ifName string) ([]netip.Prefix, error) {
	ifc, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("getting %s interface info: %w", ifName, err)
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil, fmt.Errorf("getting %s interface addrs: %w", ifName, err)
	}
	var ret []netip.Prefix
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil || !ipnet.IP.IsGlobalUnicast() {
			continue
		}
		ip, _ := netip.AddrFromSlice(ipnet.IP.To4())
		ones, _ := ipnet.Mask.Size()
		ret = append(ret, netip.PrefixFrom(ip, ones))
	}
	return ret, nil
}

// Host returns the interface ifName as configured on the host, using
// its first global IPv4 address.
func Host(ifName string) (Interface, error) {
	prefixes, err := HostAddrs(ifName)
	if err != nil {
		return Interface{}, err
	}
	if len(prefixes) == 0 {
		return Interface{}, fmt.Errorf("interface %s has no IPv4 address", ifName)
	}
	host, err := net.InterfaceByName(ifName)
	if err != nil {
		return Interface{}, err
	}
	return Interface{
		Name:   ifName,
		Addr:   prefixes[0].Addr(),
		Prefix: prefixes[0].Masked(),
		MAC:    host.HardwareAddr,
		Index:  host.Index,
	}, nil
}
