package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/tailscale/hujson"
)

// Topology is the parsed router configuration.
type Topology struct {
	Interfaces []Interface
	Routes     []Route
	StaticARP  []ARPEntry
	// NAT is nil when translation is disabled.
	NAT *NATConfig
}

// Interface is one router port. A nil MAC is filled in from the host.
type Interface struct {
	Name   string
	Prefix netip.Prefix
	MAC    net.HardwareAddr
}

// Route is one routing table entry. An unspecified Gateway means the
// destination is on-link.
type Route struct {
	Prefix    netip.Prefix
	Gateway   netip.Addr
	Interface string
}

type ARPEntry struct {
	IP  netip.Addr
	MAC net.HardwareAddr
}

// Duration unmarshals from either a Go duration string ("90s") or a
// bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("duration %s: want string or seconds", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

type fileInterface struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	MAC     string `json:"mac,omitempty"`
}

type fileRoute struct {
	Prefix    string `json:"prefix"`
	Gateway   string `json:"gateway,omitempty"`
	Interface string `json:"interface"`
}

type fileARP struct {
	IP  string `json:"ip"`
	MAC string `json:"mac"`
}

type fileNAT struct {
	ExternalInterface     string   `json:"external_interface"`
	ICMPTimeout           Duration `json:"icmp_timeout,omitempty"`
	TCPEstablishedTimeout Duration `json:"tcp_established_timeout,omitempty"`
	TCPTransitoryTimeout  Duration `json:"tcp_transitory_timeout,omitempty"`
	MaxMappings           int      `json:"max_mappings,omitempty"`
	RandomPortStart       bool     `json:"random_port_start,omitempty"`
}

type file struct {
	Interfaces []fileInterface `json:"interfaces"`
	Routes     []fileRoute     `json:"routes"`
	StaticARP  []fileARP       `json:"static_arp,omitempty"`
	NAT        *fileNAT        `json:"nat,omitempty"`
}

// Load reads and parses the topology file at path.
func Load(path string) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse parses a topology document. Comments and trailing commas are
// allowed.
func Parse(b []byte) (*Topology, error) {
	std, err := hujson.Standardize(b)
	if err != nil {
		return nil, err
	}
	var f file
	if err := json.Unmarshal(std, &f); err != nil {
		return nil, err
	}

	t := &Topology{}
	names := map[string]bool{}
	for _, fi := range f.Interfaces {
		pfx, err := netip.ParsePrefix(fi.Address)
		if err != nil || !pfx.Addr().Is4() {
			return nil, fmt.Errorf("interface %q: address %q is not an IPv4 prefix", fi.Name, fi.Address)
		}
		ifc := Interface{Name: fi.Name, Prefix: pfx}
		if fi.MAC != "" {
			if ifc.MAC, err = net.ParseMAC(fi.MAC); err != nil {
				return nil, fmt.Errorf("interface %q: %w", fi.Name, err)
			}
		}
		if names[fi.Name] {
			return nil, fmt.Errorf("interface %q defined twice", fi.Name)
		}
		names[fi.Name] = true
		t.Interfaces = append(t.Interfaces, ifc)
	}

	for _, fr := range f.Routes {
		pfx, err := netip.ParsePrefix(fr.Prefix)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", fr.Prefix, err)
		}
		r := Route{Prefix: pfx.Masked(), Interface: fr.Interface}
		if fr.Gateway != "" {
			if r.Gateway, err = netip.ParseAddr(fr.Gateway); err != nil {
				return nil, fmt.Errorf("route %q: gateway: %w", fr.Prefix, err)
			}
		}
		if !names[fr.Interface] {
			return nil, fmt.Errorf("route %q: unknown interface %q", fr.Prefix, fr.Interface)
		}
		t.Routes = append(t.Routes, r)
	}

	for _, fa := range f.StaticARP {
		ip, err := netip.ParseAddr(fa.IP)
		if err != nil {
			return nil, fmt.Errorf("static arp: %w", err)
		}
		mac, err := net.ParseMAC(fa.MAC)
		if err != nil {
			return nil, fmt.Errorf("static arp %s: %w", fa.IP, err)
		}
		t.StaticARP = append(t.StaticARP, ARPEntry{IP: ip, MAC: mac})
	}

	if f.NAT != nil {
		nc := DefaultNAT()
		nc.ExternalInterface = f.NAT.ExternalInterface
		if f.NAT.ICMPTimeout != 0 {
			nc.ICMPTimeout = time.Duration(f.NAT.ICMPTimeout)
		}
		if f.NAT.TCPEstablishedTimeout != 0 {
			nc.TCPEstablishedTimeout = time.Duration(f.NAT.TCPEstablishedTimeout)
		}
		if f.NAT.TCPTransitoryTimeout != 0 {
			nc.TCPTransitoryTimeout = time.Duration(f.NAT.TCPTransitoryTimeout)
		}
		if f.NAT.MaxMappings != 0 {
			nc.MaxMappings = f.NAT.MaxMappings
		}
		nc.RandomPortStart = f.NAT.RandomPortStart
		if !names[nc.ExternalInterface] {
			return nil, fmt.Errorf("nat: unknown external interface %q", nc.ExternalInterface)
		}
		if err := nc.Validate(); err != nil {
			return nil, fmt.Errorf("nat: %w", err)
		}
		t.NAT = &nc
	}
	return t, nil
}
