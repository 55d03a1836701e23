// Package config holds the NAT engine settings and the router
// topology (interfaces, routes, static ARP entries) loaded from a
// hujson file.
package config

import (
	"errors"
	"fmt"
	"time"

	"go.universe.tf/natrouter/portmanager"
)

// Default timeouts. The established TCP timeout is the RFC 5382
// minimum of 2h4m.
const (
	DefaultICMPTimeout           = 60 * time.Second
	DefaultTCPEstablishedTimeout = 7440 * time.Second
	DefaultTCPTransitoryTimeout  = 300 * time.Second
	DefaultSweepInterval         = time.Second
	DefaultMaxMappings           = 65536

	// UnsolicitedSYNGrace is how long an inbound-first SYN is held
	// waiting for a matching outbound SYN before it is answered with
	// Port Unreachable (RFC 5382 REQ-4).
	UnsolicitedSYNGrace = 6 * time.Second
)

// NATConfig configures the translation engine.
type NATConfig struct {
	// ExternalInterface names the interface whose address is the
	// NAT's public address.
	ExternalInterface string

	ICMPTimeout           time.Duration
	TCPEstablishedTimeout time.Duration
	TCPTransitoryTimeout  time.Duration
	UnsolicitedGrace      time.Duration
	SweepInterval         time.Duration

	// MaxMappings bounds the table; inserts past it fail.
	MaxMappings int

	PortMin, PortMax uint16
	RandomPortStart  bool
}

// DefaultNAT returns a NATConfig populated with the defaults.
func DefaultNAT() NATConfig {
	return NATConfig{
		ICMPTimeout:           DefaultICMPTimeout,
		TCPEstablishedTimeout: DefaultTCPEstablishedTimeout,
		TCPTransitoryTimeout:  DefaultTCPTransitoryTimeout,
		UnsolicitedGrace:      UnsolicitedSYNGrace,
		SweepInterval:         DefaultSweepInterval,
		MaxMappings:           DefaultMaxMappings,
		PortMin:               portmanager.DefaultMin,
		PortMax:               portmanager.DefaultMax,
	}
}

// Validate checks c for values the engine cannot run with.
func (c *NATConfig) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"icmp timeout":            c.ICMPTimeout,
		"tcp established timeout": c.TCPEstablishedTimeout,
		"tcp transitory timeout":  c.TCPTransitoryTimeout,
		"unsolicited grace":       c.UnsolicitedGrace,
		"sweep interval":          c.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MaxMappings <= 0 {
		errs = append(errs, fmt.Errorf("max mappings must be positive, got %d", c.MaxMappings))
	}
	if c.PortMin == 0 || c.PortMin > c.PortMax {
		errs = append(errs, fmt.Errorf("invalid port range [%d,%d]", c.PortMin, c.PortMax))
	}
	return errors.Join(errs...)
}

// PortManagerConfig returns the port allocator settings.
func (c *NATConfig) PortManagerConfig() *portmanager.Config {
	return &portmanager.Config{Min: c.PortMin, Max: c.PortMax, RandomStart: c.RandomPortStart}
}
