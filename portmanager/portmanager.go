package portmanager

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultMin and DefaultMax bound the dynamic port range.
	DefaultMin = 1024
	DefaultMax = 65535
)

// ErrExhausted is returned when every port in the range is in use.
var ErrExhausted = errors.New("no free port in range")

// A PortManager allocates WAN ports on demand.
type PortManager interface {
	// Allocate returns the next port in the range for which inUse
	// reports false.
	Allocate(inUse func(port uint16) bool) (uint16, error)
	// InRange reports whether port belongs to the managed range.
	InRange(port uint16) bool
}

// Config selects the port range and where the cursor starts.
type Config struct {
	Min, Max uint16
	// RandomStart starts the cursor at a random point in the range
	// instead of at Min.
	RandomStart bool
}

// cursorPortManager hands out ports from a cursor that advances
// monotonically through [min, max] and wraps. Every candidate is
// checked against the caller's view of live bindings, so wrapping
// never hands out a port that is still bound.
type cursorPortManager struct {
	min, max uint16

	mu   sync.Mutex
	next uint16
}

// New returns a PortManager for cfg. A nil cfg means the full dynamic
// range with the cursor at its start.
func New(cfg *Config) (PortManager, error) {
	c := Config{Min: DefaultMin, Max: DefaultMax}
	if cfg != nil {
		c = *cfg
	}
	if c.Min == 0 || c.Min > c.Max {
		return nil, fmt.Errorf("invalid port range [%d,%d]", c.Min, c.Max)
	}
	p := &cursorPortManager{min: c.Min, max: c.Max, next: c.Min}
	if c.RandomStart {
		p.next = c.Min + uint16(newRandom().Intn(int(c.Max-c.Min)+1))
	}
	return p, nil
}

func (p *cursorPortManager) InRange(port uint16) bool {
	return port >= p.min && port <= p.max
}

// Allocate tries at most one full lap of the range.
func (p *cursorPortManager) Allocate(inUse func(port uint16) bool) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := int(p.max-p.min) + 1
	for i := 0; i < span; i++ {
		port := p.next
		if p.next == p.max {
			p.next = p.min
		} else {
			p.next++
		}
		if inUse == nil || !inUse(port) {
			return port, nil
		}
	}
	return 0, ErrExhausted
}
